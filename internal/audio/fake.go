package audio

import (
	"sync"
	"time"
)

// Silence is a Capture that emits zeroed frames at real-time pace. It stands
// in for a microphone with the fake transcription engine.
type Silence struct {
	cfg   Config
	frame time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewSilence creates a silent capture emitting one frame every frame period.
func NewSilence(cfg Config, frame time.Duration) *Silence {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if frame <= 0 {
		frame = 100 * time.Millisecond
	}
	return &Silence{cfg: cfg, frame: frame}
}

// Available implements Capture.
func (s *Silence) Available() error { return nil }

// Start implements Capture.
func (s *Silence) Start(onData DataFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	size := int(s.cfg.SampleRate) * int(s.cfg.Channels) * BytesPerSample * int(s.frame/time.Millisecond) / 1000
	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(s.frame)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				onData(make([]byte, size))
			}
		}
	}(s.stopCh, s.done)
	return nil
}

// Stop implements Capture. No callback runs after Stop returns.
func (s *Silence) Stop() error {
	s.mu.Lock()
	stop, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Close implements Capture.
func (s *Silence) Close() { _ = s.Stop() }
