package docstore

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/starford/voicenotes/internal/apperr"
	"github.com/starford/voicenotes/internal/checksum"
	"github.com/starford/voicenotes/internal/models"
)

// queryFunc loads the full snapshot of one owner.
type queryFunc func(ownerID string) (models.NoteSet, error)

type subscribeReq struct {
	sub  *subscription
	resp chan error
}

// feed fans snapshots out to subscriptions.
//
// Concurrency model: a single internal event loop owns the subscriber table
// and the per-subscription fingerprints. Public methods talk to the loop over
// channels, so no mutexes guard that state.
type feed struct {
	query  queryFunc
	logger *slog.Logger

	subscribeCh   chan subscribeReq
	unsubscribeCh chan *subscription
	publishCh     chan string
	publishAllCh  chan struct{}
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func newFeed(query queryFunc, logger *slog.Logger) *feed {
	f := &feed{
		query:         query,
		logger:        logger,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan *subscription),
		publishCh:     make(chan string, 256),
		publishAllCh:  make(chan struct{}, 1),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *feed) run() {
	defer close(f.stopped)

	owners := make(map[string]map[*subscription]struct{})

	remove := func(s *subscription, err error) {
		subs, ok := owners[s.owner]
		if !ok {
			return
		}
		if _, ok := subs[s]; !ok {
			return
		}
		delete(subs, s)
		if len(subs) == 0 {
			delete(owners, s.owner)
		}
		s.end(err)
	}

	refresh := func(owner string) {
		subs := owners[owner]
		if len(subs) == 0 {
			return
		}
		set, err := f.query(owner)
		if err != nil {
			f.logger.Warn("docstore: snapshot failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()))
			for s := range subs {
				remove(s, err)
			}
			return
		}
		sum := checksum.NoteSet(set)
		for s := range subs {
			if s.last == sum {
				continue
			}
			s.last = sum
			s.deliver(set.Clone())
		}
	}

	for {
		select {
		case <-f.stopCh:
			for _, subs := range owners {
				for s := range subs {
					s.end(apperr.ErrClosed)
				}
			}
			return

		case req := <-f.subscribeCh:
			set, err := f.query(req.sub.owner)
			if err != nil {
				req.resp <- err
				continue
			}
			s := req.sub
			s.last = checksum.NoteSet(set)
			s.deliver(set)
			if owners[s.owner] == nil {
				owners[s.owner] = make(map[*subscription]struct{})
			}
			owners[s.owner][s] = struct{}{}
			req.resp <- nil

		case s := <-f.unsubscribeCh:
			remove(s, nil)

		case owner := <-f.publishCh:
			refresh(owner)

		case <-f.publishAllCh:
			for owner := range owners {
				refresh(owner)
			}

		case resp := <-f.countReqCh:
			n := 0
			for _, subs := range owners {
				n += len(subs)
			}
			resp <- n
		}
	}
}

func (f *feed) subscribe(owner string) (Subscription, error) {
	if f.closed.Load() {
		return nil, apperr.ErrClosed
	}
	s := &subscription{owner: owner, ch: make(chan models.NoteSet, 1), f: f}
	req := subscribeReq{sub: s, resp: make(chan error, 1)}
	select {
	case f.subscribeCh <- req:
	case <-f.stopped:
		return nil, apperr.ErrClosed
	}
	if err := <-req.resp; err != nil {
		return nil, err
	}
	return s, nil
}

func (f *feed) unsubscribe(s *subscription) {
	if f.closed.Load() {
		return
	}
	select {
	case f.unsubscribeCh <- s:
	case <-f.stopped:
	}
}

// publish re-queries owner and notifies its subscribers.
func (f *feed) publish(owner string) {
	if f.closed.Load() {
		return
	}
	select {
	case f.publishCh <- owner:
	case <-f.stopped:
	}
}

// publishAll re-queries every subscribed owner. Requests coalesce.
func (f *feed) publishAll() {
	if f.closed.Load() {
		return
	}
	select {
	case f.publishAllCh <- struct{}{}:
	default:
	}
}

func (f *feed) subscriberCount() int {
	if f.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case f.countReqCh <- resp:
	case <-f.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-f.stopped:
		return 0
	}
}

func (f *feed) close() {
	if f.closed.CompareAndSwap(false, true) {
		close(f.stopCh)
	}
	<-f.stopped
}

type subscription struct {
	owner string
	ch    chan models.NoteSet
	f     *feed

	// last is owned by the feed loop.
	last string

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *subscription) Snapshots() <-chan models.NoteSet { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.once.Do(func() { s.f.unsubscribe(s) })
}

// deliver replaces whatever is buffered with set. Only the feed loop sends.
func (s *subscription) deliver(set models.NoteSet) {
	select {
	case s.ch <- set:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- set:
	default:
	}
}

// end drains and closes the channel. Called from the feed loop only.
func (s *subscription) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	select {
	case <-s.ch:
	default:
	}
	close(s.ch)
}
