package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/audio"
)

// Callbacks receive the output of a Source.
type Callbacks struct {
	// OnChunk is called for each final transcript, in order, from a single
	// goroutine.
	OnChunk func(text string)
	// OnState is called when recording starts (true, nil), stops (false, nil)
	// or fails (false, err).
	OnState func(recording bool, err error)
}

// Source couples a capture device to an engine.
type Source struct {
	engine  Engine
	capture audio.Capture
	logger  *slog.Logger
	cb      Callbacks

	mu  sync.Mutex
	cur *recording
}

type recording struct {
	stream  Stream
	stopped atomic.Bool
	done    chan struct{}
}

// NewSource creates a Source. Callbacks left nil are ignored.
func NewSource(engine Engine, capture audio.Capture, logger *slog.Logger, cb Callbacks) *Source {
	if cb.OnChunk == nil {
		cb.OnChunk = func(string) {}
	}
	if cb.OnState == nil {
		cb.OnState = func(bool, error) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{engine: engine, capture: capture, logger: logger, cb: cb}
}

// Supported reports why recording is impossible, or nil.
func (s *Source) Supported() error {
	if s.engine == nil {
		return fmt.Errorf("transcribe: no engine: %w", apperr.ErrUnsupported)
	}
	if err := s.engine.Supported(); err != nil {
		return err
	}
	if s.capture == nil {
		return fmt.Errorf("transcribe: no capture: %w", apperr.ErrUnsupported)
	}
	return s.capture.Available()
}

// Recording reports whether a recording is in progress.
func (s *Source) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Start opens an engine stream and begins capturing.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return fmt.Errorf("transcribe: already recording: %w", apperr.ErrInvalidState)
	}
	if err := s.Supported(); err != nil {
		return err
	}
	stream, err := s.engine.Open(ctx)
	if err != nil {
		return fmt.Errorf("transcribe: open %s: %w", s.engine.Name(), err)
	}
	rec := &recording{stream: stream, done: make(chan struct{})}
	err = s.capture.Start(func(pcm []byte) {
		if rec.stopped.Load() {
			return
		}
		_ = stream.Feed(pcm)
	})
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("transcribe: start capture: %w", err)
	}
	s.cur = rec
	go s.deliver(rec)

	s.logger.Info("transcribe: recording started", slog.String("engine", s.engine.Name()))
	s.cb.OnState(true, nil)
	return nil
}

// deliver forwards results until the stream ends.
func (s *Source) deliver(rec *recording) {
	defer close(rec.done)
	for text := range rec.stream.Results() {
		if rec.stopped.Load() {
			continue
		}
		s.cb.OnChunk(text)
	}
	if rec.stopped.Load() {
		return
	}

	// The stream ended without Stop: engine failure.
	err := rec.stream.Err()
	if err == nil {
		err = fmt.Errorf("transcribe: %s stream ended", s.engine.Name())
	}
	s.mu.Lock()
	if s.cur == rec {
		s.cur = nil
	}
	s.mu.Unlock()
	if !rec.stopped.CompareAndSwap(false, true) {
		return
	}
	_ = s.capture.Stop()
	_ = rec.stream.Close()
	s.logger.Error("transcribe: engine error", slog.String("error", err.Error()))
	s.cb.OnState(false, err)
}

// Stop ends the recording. Chunks already delivered stay delivered; none are
// delivered after Stop returns.
func (s *Source) Stop() error {
	s.mu.Lock()
	rec := s.cur
	s.cur = nil
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	if !rec.stopped.CompareAndSwap(false, true) {
		<-rec.done
		return nil
	}
	capErr := s.capture.Stop()
	streamErr := rec.stream.Close()
	<-rec.done

	s.logger.Info("transcribe: recording stopped")
	s.cb.OnState(false, nil)
	if capErr != nil {
		return capErr
	}
	return streamErr
}
