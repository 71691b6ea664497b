package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// DefaultDeepgramURL is the live streaming endpoint.
const DefaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// DeepgramConfig configures the Deepgram engine.
type DeepgramConfig struct {
	APIKey     string
	URL        string
	Model      string
	Language   string
	SampleRate int
	Channels   int
}

// Deepgram streams linear16 PCM to Deepgram and keeps final results only.
type Deepgram struct {
	cfg DeepgramConfig
}

// NewDeepgram creates the engine.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.URL == "" {
		cfg.URL = DefaultDeepgramURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &Deepgram{cfg: cfg}
}

func (d *Deepgram) Name() string { return "deepgram" }

// Supported implements Engine.
func (d *Deepgram) Supported() error {
	if d.cfg.APIKey == "" {
		return errors.New("deepgram: api key not configured")
	}
	return nil
}

func (d *Deepgram) endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(d.cfg.Channels))
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open implements Engine.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if err := d.Supported(); err != nil {
		return nil, err
	}
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &deepgramStream{
		conn:     conn,
		ctx:      streamCtx,
		cancel:   cancel,
		audio:    make(chan []byte, 128),
		results:  make(chan string, 64),
		sendDone: make(chan struct{}),
	}
	go s.runSender()
	go s.runReceiver()
	return s, nil
}

type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	audio    chan []byte
	results  chan string
	sendDone chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	feedMu    sync.Mutex

	mu      sync.Mutex
	err     error
	dropped int
}

func (s *deepgramStream) Results() <-chan string { return s.results }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Feed implements Stream. When the send queue is full the frame is dropped.
func (s *deepgramStream) Feed(pcm []byte) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.closing.Load() {
		return errors.New("deepgram: stream closed")
	}
	if err := s.Err(); err != nil {
		return err
	}
	select {
	case s.audio <- pcm:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
	return nil
}

func (s *deepgramStream) runSender() {
	defer close(s.sendDone)
	for pcm := range s.audio {
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, pcm); err != nil {
			if !s.closing.Load() {
				s.setErr(fmt.Errorf("deepgram: send: %w", err))
				s.cancel()
			}
			for range s.audio {
			}
			return
		}
	}
	if s.closing.Load() {
		_ = s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	}
}

func (s *deepgramStream) runReceiver() {
	defer close(s.results)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if !s.closing.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("deepgram: receive: %w", err))
			}
			return
		}
		var resp deepgramResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Type != "" && resp.Type != "Results" {
			continue
		}
		if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		select {
		case s.results <- text:
		case <-s.ctx.Done():
			return
		}
	}
}

// Close implements Stream: it flushes queued audio, asks the server to close
// the stream and tears the connection down.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.feedMu.Lock()
		s.closing.Store(true)
		close(s.audio)
		s.feedMu.Unlock()
		<-s.sendDone
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
