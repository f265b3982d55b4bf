// Package memstore is an in-process Store used for tests and offline demos.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/store"
	"go.uber.org/zap"
)

// Store keeps records in a map and fans changes out through a store.Hub.
type Store struct {
	mu   sync.RWMutex
	recs map[string][]byte
	hub  *store.Hub

	writes atomic.Int64

	// FailWrites, when set, is returned by every mutation.
	FailWrites error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New(log *zap.Logger) *Store {
	s := &Store{recs: map[string][]byte{}}
	s.hub = store.NewHub(s.load, log)
	return s
}

// Writes returns the number of mutations attempted so far.
func (s *Store) Writes() int64 { return s.writes.Load() }

// Hub exposes the fan-out hub, mainly so tests can inject failures.
func (s *Store) Hub() *store.Hub { return s.hub }

func (s *Store) load(_ context.Context, path string, q store.Query) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(path, q), nil
}

func (s *Store) snapshot(path string, q store.Query) store.Snapshot {
	snap := store.Snapshot{Path: path}
	if v, ok := s.recs[path]; ok {
		snap.Value = append([]byte(nil), v...)
	}
	for k, v := range s.recs {
		if store.Parent(k) == path {
			snap.Children = append(snap.Children, store.Record{Key: store.Base(k), Value: append([]byte(nil), v...)})
		}
	}
	snap.Children = store.Window(snap.Children, q)
	return snap
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	p, err := store.Clean(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshot(p, store.Query{})
	if !snap.Exists() {
		return store.Snapshot{}, fmt.Errorf("%s: %w", p, errs.ErrNotFound)
	}
	return snap, nil
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(ctx context.Context, path string, q store.Query, fn store.Listener) (store.Subscription, error) {
	p, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(p, q, fn), nil
}

func (s *Store) mutate(ctx context.Context, path string, f func(p string) error) error {
	s.writes.Add(1)
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.mu.Lock()
	err = f(p)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.hub.Changed(p)
	return nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	b, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(p string) error {
		s.recs[p] = b
		return nil
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("update: no fields: %w", errs.ErrInvalidInput)
	}
	return s.mutate(ctx, path, func(p string) error {
		b, err := store.Merge(s.recs[p], fields)
		if err != nil {
			return err
		}
		if b == nil {
			delete(s.recs, p)
			return nil
		}
		s.recs[p] = b
		return nil
	})
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.mutate(ctx, path, func(p string) error {
		for k := range s.recs {
			if k == p || strings.HasPrefix(k, p+"/") {
				delete(s.recs, k)
			}
		}
		return nil
	})
}

// Push implements store.Store.
func (s *Store) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, store.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Close stops all subscriptions.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}
