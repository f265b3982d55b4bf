package store

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Loader reads the current snapshot of a path for a subscription.
type Loader func(ctx context.Context, path string, q Query) (Snapshot, error)

// Hub fans changes out to in-process subscribers. Each subscriber runs its own
// goroutine, so listeners may call back into the store. Bursts of changes are
// coalesced into a single reload.
type Hub struct {
	load Loader
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[*hubSub]struct{}
}

type hubSub struct {
	hub  *Hub
	path string
	q    Query
	fn   Listener

	kick   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once

	errMu   sync.Mutex
	pending error
}

// NewHub creates a hub that reloads snapshots through load.
func NewHub(load Loader, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{load: load, log: log, ctx: ctx, cancel: cancel, subs: map[*hubSub]struct{}{}}
}

// Subscribe registers fn for path and schedules the initial snapshot.
func (h *Hub) Subscribe(path string, q Query, fn Listener) Subscription {
	s := &hubSub{
		hub:  h,
		path: path,
		q:    q,
		fn:   fn,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	s.kick <- struct{}{}
	go s.run()
	return s
}

// Changed notifies every subscription related to path.
func (h *Hub) Changed(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if Related(s.path, path) {
			s.notify()
		}
	}
}

// Fail delivers err to every subscription.
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.errMu.Lock()
		s.pending = err
		s.errMu.Unlock()
		s.notify()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (s *hubSub) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *hubSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.hub.ctx.Done():
			return
		case <-s.kick:
		}

		s.errMu.Lock()
		err := s.pending
		s.pending = nil
		s.errMu.Unlock()

		var snap Snapshot
		if err == nil {
			snap, err = s.hub.load(s.hub.ctx, s.path, s.q)
		}
		if err != nil {
			s.hub.log.Warn("subscription reload failed", zap.String("path", s.path), zap.Error(err))
			snap = Snapshot{Path: s.path}
		}
		if s.closed.Load() {
			return
		}
		s.fn(snap, err)
	}
}

// Close stops delivery. Safe to call more than once.
func (s *hubSub) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
	})
}
