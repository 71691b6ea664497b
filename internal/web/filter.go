package web

import (
	"sync"

	"github.com/starford/voicenotes/internal/notesync"
)

// filterState is the view filter of the one browser session this process
// serves. It is never persisted.
type filterState struct {
	mu sync.Mutex
	q  notesync.Query
}

func (f *filterState) get() notesync.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.q
}

func (f *filterState) set(q notesync.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.q = q
}
