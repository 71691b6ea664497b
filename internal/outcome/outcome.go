// Package outcome records the result of fire-and-forget store writes.
//
// Writes issued by the sync core never block the caller and never roll back
// local state. Every write still produces an Outcome so that failures leave an
// auditable trail instead of disappearing.
package outcome

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Op names a store write.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Outcome is the typed result of one store write.
type Outcome struct {
	Op      Op
	NoteID  string
	OwnerID string
	Err     error
	Took    time.Duration
	At      time.Time
}

// OK reports whether the write succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Sink receives outcomes. Implementations must be safe for concurrent use.
type Sink interface {
	Record(o Outcome)
}

// Discard drops every outcome.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Outcome) {}

// ZerologSink writes one JSON line per outcome.
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink creates a sink writing to w.
func NewZerologSink(w io.Writer) *ZerologSink {
	return &ZerologSink{log: zerolog.New(w).With().Timestamp().Str("component", "store-writes").Logger()}
}

// Record implements Sink.
func (s *ZerologSink) Record(o Outcome) {
	ev := s.log.Info()
	if o.Err != nil {
		ev = s.log.Error().Err(o.Err)
	}
	ev.Str("op", string(o.Op)).
		Str("note_id", o.NoteID).
		Str("owner_id", o.OwnerID).
		Dur("took", o.Took).
		Time("at", o.At).
		Msg("store write")
}

// Recorder keeps outcomes in memory. Tests use it to observe background writes.
type Recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	notify   chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Record implements Sink.
func (r *Recorder) Record(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Outcomes returns a copy of everything recorded so far.
func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Wait blocks until at least n outcomes were recorded or timeout elapses.
func (r *Recorder) Wait(n int, timeout time.Duration) []Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := r.Outcomes(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Outcomes()
		}
	}
}
