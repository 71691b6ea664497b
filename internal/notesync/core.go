// Package notesync keeps the signed-in user's notes consistent with the note
// store and layers the local draft, edit session and recording state on top.
package notesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/docstore"
	"github.com/starford/voicenotes/internal/models"
	"github.com/starford/voicenotes/internal/outcome"
)

type snapshotMsg struct {
	gen   uint64
	owner string
	set   models.NoteSet
	ended bool
	err   error
}

type editSession struct {
	noteID string
	text   string
}

// Core is the note synchronization core.
//
// Concurrency model: a single internal event loop owns the collection, the
// edit session, the draft and the watcher table. Public methods post commands
// to the loop and wait for them, so no mutexes guard that state. Store writes
// run in the background and report through the outcome sink.
type Core struct {
	store        docstore.Store
	sink         outcome.Sink
	logger       *slog.Logger
	now          func() time.Time
	backoffMin   time.Duration
	backoffMax   time.Duration
	writeTimeout time.Duration

	cmds    chan func()
	snaps   chan snapshotMsg
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
	writes  sync.WaitGroup

	// Owned by the loop.
	resolved    bool
	identity    *models.Identity
	gen         uint64
	sub         docstore.Subscription
	loaded      bool
	notes       models.NoteSet
	tags        []string
	edit        *editSession
	draft       string
	recording   bool
	unsupported error
	syncErr     error
	retry       *time.Timer
	retryDelay  time.Duration
	version     uint64
	watchers    map[int]chan View
	nextWatcher int
}

// Option configures a Core.
type Option func(*Core)

// WithSink sets the outcome sink for store writes.
func WithSink(s outcome.Sink) Option {
	return func(c *Core) { c.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithClock overrides the clock used for new note timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// WithBackoff bounds the resubscribe delay after a subscription fails.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Core) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// New creates a Core over store and starts its event loop. The core starts
// unresolved with no identity until SetIdentity is called.
func New(store docstore.Store, opts ...Option) *Core {
	c := &Core{
		store:        store,
		sink:         outcome.Discard,
		logger:       slog.Default(),
		now:          time.Now,
		backoffMin:   time.Second,
		backoffMax:   30 * time.Second,
		writeTimeout: 10 * time.Second,
		cmds:         make(chan func()),
		snaps:        make(chan snapshotMsg),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
		notes:        models.NoteSet{},
		tags:         []string{},
		watchers:     make(map[int]chan View),
	}
	for _, o := range opts {
		o(c)
	}
	go c.run()
	return c
}

func (c *Core) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.stopCh:
			c.closeSubscription()
			for id, ch := range c.watchers {
				delete(c.watchers, id)
				close(ch)
			}
			return
		case fn := <-c.cmds:
			fn()
		case m := <-c.snaps:
			c.onSnapshot(m)
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Core) do(fn func()) error {
	if c.closed.Load() {
		return apperr.ErrClosed
	}
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.stopped:
		return apperr.ErrClosed
	}
	<-done
	return nil
}

// post schedules fn on the loop without waiting.
func (c *Core) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.stopCh:
	}
}

// Close stops the loop, ends the subscription and waits for in-flight writes
// until ctx is done.
func (c *Core) Close(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
	<-c.stopped

	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notesync: waiting for writes: %w", ctx.Err())
	}
}

// SetIdentity switches the active identity. The previous collection, edit
// session and draft are discarded before the new subscription opens, so no
// note of the previous identity is visible after the call returns. A nil
// identity means signed out.
func (c *Core) SetIdentity(id *models.Identity) error {
	return c.do(func() {
		c.resolved = true
		if sameIdentity(c.identity, id) {
			if id != nil {
				cp := *id
				c.identity = &cp
			}
			c.changed()
			return
		}
		c.closeSubscription()
		c.gen++
		c.loaded = false
		c.notes = models.NoteSet{}
		c.tags = []string{}
		c.edit = nil
		c.draft = ""
		c.syncErr = nil
		c.retryDelay = 0
		if id == nil {
			c.identity = nil
			c.changed()
			return
		}
		cp := *id
		c.identity = &cp
		c.subscribe()
		c.changed()
	})
}

func sameIdentity(a, b *models.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// subscribe opens a subscription for the current identity and generation.
func (c *Core) subscribe() {
	owner := c.identity.ID
	gen := c.gen
	sub, err := c.store.Subscribe(owner)
	if err != nil {
		c.logger.Warn("notesync: subscribe failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()))
		c.syncErr = err
		c.scheduleRetry()
		return
	}
	c.sub = sub
	go c.forward(gen, owner, sub)
}

// forward tags every emission of sub with the generation it belongs to.
func (c *Core) forward(gen uint64, owner string, sub docstore.Subscription) {
	for set := range sub.Snapshots() {
		select {
		case c.snaps <- snapshotMsg{gen: gen, owner: owner, set: set}:
		case <-c.stopCh:
			return
		}
	}
	select {
	case c.snaps <- snapshotMsg{gen: gen, owner: owner, ended: true, err: sub.Err()}:
	case <-c.stopCh:
	}
}

func (c *Core) closeSubscription() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Core) onSnapshot(m snapshotMsg) {
	if m.gen != c.gen || c.identity == nil || m.owner != c.identity.ID {
		return
	}
	if m.ended {
		err := m.err
		if err == nil {
			err = apperr.ErrClosed
		}
		c.logger.Warn("notesync: subscription ended",
			slog.String("owner", m.owner),
			slog.String("error", err.Error()))
		c.sub = nil
		c.syncErr = err
		c.scheduleRetry()
		c.changed()
		return
	}

	admitted := make(models.NoteSet, 0, len(m.set))
	for _, n := range m.set {
		if n.OwnerID != c.identity.ID {
			c.logger.Error("notesync: dropped note of another owner", slog.String("note_id", n.ID))
			continue
		}
		admitted = append(admitted, n.Clone())
	}
	c.loaded = true
	c.notes = admitted
	c.tags = TagUniverse(admitted)
	c.syncErr = nil
	c.retryDelay = 0
	if c.edit != nil {
		if _, ok := c.find(c.edit.noteID); !ok {
			c.edit = nil
		}
	}
	c.changed()
}

// scheduleRetry resubscribes after a capped exponential delay, provided the
// identity has not changed in the meantime.
func (c *Core) scheduleRetry() {
	if c.retryDelay == 0 {
		c.retryDelay = c.backoffMin
	} else {
		c.retryDelay = min(c.retryDelay*2, c.backoffMax)
	}
	gen := c.gen
	c.retry = time.AfterFunc(c.retryDelay, func() {
		c.post(func() {
			if c.gen != gen || c.identity == nil || c.sub != nil {
				return
			}
			c.retry = nil
			c.subscribe()
		})
	})
}

func (c *Core) find(id string) (models.Note, bool) {
	for _, n := range c.notes {
		if n.ID == id {
			return n, true
		}
	}
	return models.Note{}, false
}

// write runs op against the store in the background and records its outcome.
// Local state is never rolled back.
func (c *Core) write(op outcome.Op, noteID, owner string, fn func(ctx context.Context) (string, error)) {
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()

		start := time.Now()
		id, err := fn(ctx)
		if id != "" {
			noteID = id
		}
		if err != nil {
			c.logger.Warn("notesync: store write failed",
				slog.String("op", string(op)),
				slog.String("note_id", noteID),
				slog.String("error", err.Error()))
		}
		c.sink.Record(outcome.Outcome{
			Op:      op,
			NoteID:  noteID,
			OwnerID: owner,
			Err:     err,
			Took:    time.Since(start),
			At:      c.now(),
		})
	}()
}

// requireIdentity returns the current owner id or ErrNoIdentity.
func (c *Core) requireIdentity() (string, error) {
	if c.identity == nil {
		return "", apperr.ErrNoIdentity
	}
	return c.identity.ID, nil
}

// firstErr prefers the loop error over the operation error.
func firstErr(doErr, opErr error) error {
	if doErr != nil {
		return doErr
	}
	return opErr
}
