package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Fake is a scripted engine. Every stream it opens emits Chunks in order,
// Interval apart, then either ends with Fail or stays open until closed.
type Fake struct {
	Chunks   []string
	Interval time.Duration
	Fail     error
	// Unsupported, when set, is returned by Supported.
	Unsupported error

	mu     sync.Mutex
	opened int
	fed    int
}

func (f *Fake) Name() string { return "fake" }

// Supported implements Engine.
func (f *Fake) Supported() error { return f.Unsupported }

// Open implements Engine.
func (f *Fake) Open(ctx context.Context) (Stream, error) {
	if f.Unsupported != nil {
		return nil, f.Unsupported
	}
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()

	s := &fakeStream{
		engine:  f,
		results: make(chan string),
		closeCh: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Opened returns how many streams were opened.
func (f *Fake) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Fed returns how many PCM frames were fed across all streams.
func (f *Fake) Fed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fed
}

type fakeStream struct {
	engine  *Fake
	results chan string
	closeCh chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func (s *fakeStream) run() {
	defer close(s.results)
	for _, c := range s.engine.Chunks {
		if s.engine.Interval > 0 {
			select {
			case <-time.After(s.engine.Interval):
			case <-s.closeCh:
				return
			}
		}
		select {
		case s.results <- c:
		case <-s.closeCh:
			return
		}
	}
	if s.engine.Fail != nil {
		s.mu.Lock()
		s.err = s.engine.Fail
		s.mu.Unlock()
		return
	}
	<-s.closeCh
}

func (s *fakeStream) Feed([]byte) error {
	select {
	case <-s.closeCh:
		return errors.New("fake: stream closed")
	default:
	}
	s.engine.mu.Lock()
	s.engine.fed++
	s.engine.mu.Unlock()
	return nil
}

func (s *fakeStream) Results() <-chan string { return s.results }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closeCh) })
	return nil
}
