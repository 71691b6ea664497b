package notesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/starford/voicenotes/internal/docstore"
	"github.com/starford/voicenotes/internal/models"
)

// fakeStore hands out manually driven subscriptions and records writes.
type fakeStore struct {
	mu        sync.Mutex
	subs      map[string][]*fakeSub
	creates   []models.NoteFields
	updates   map[string][]models.NotePatch
	deletes   []string
	writeErr  error
	subErr    error
	subscribe int
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string][]*fakeSub), updates: make(map[string][]models.NotePatch)}
}

var _ docstore.Store = (*fakeStore)(nil)

func (f *fakeStore) Subscribe(owner string) (docstore.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe++
	if f.subErr != nil {
		return nil, f.subErr
	}
	s := &fakeSub{ch: make(chan models.NoteSet, 16)}
	f.subs[owner] = append(f.subs[owner], s)
	return s, nil
}

func (f *fakeStore) Create(_ context.Context, fields models.NoteFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, fields)
	if f.writeErr != nil {
		return "", f.writeErr
	}
	return fmt.Sprintf("new-%d", len(f.creates)), nil
}

func (f *fakeStore) Update(_ context.Context, id string, patch models.NotePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], patch)
	return f.writeErr
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return f.writeErr
}

// latest returns the newest subscription opened for owner.
func (f *fakeStore) latest(owner string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[owner]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (f *fakeStore) waitSub(owner string, n int) *fakeSub {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		got := len(f.subs[owner])
		f.mu.Unlock()
		if got >= n {
			return f.latest(owner)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

func (f *fakeStore) snapshotWrites() ([]models.NoteFields, map[string][]models.NotePatch, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	updates := make(map[string][]models.NotePatch, len(f.updates))
	for k, v := range f.updates {
		updates[k] = append([]models.NotePatch(nil), v...)
	}
	return append([]models.NoteFields(nil), f.creates...), updates, append([]string(nil), f.deletes...)
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan models.NoteSet
	err    error
	closed bool
}

func (s *fakeSub) Snapshots() <-chan models.NoteSet { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() {
	s.end(nil)
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// emit pushes a snapshot even after Close, to model an emission that was
// already in flight. Emissions on a closed channel are dropped.
func (s *fakeSub) emit(set models.NoteSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- set
}

func (s *fakeSub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

var errBoom = errors.New("boom")
