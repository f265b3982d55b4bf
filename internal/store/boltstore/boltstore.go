// Package boltstore is an embedded, single-node Store backed by bbolt.
// Each tenant is a bucket; records are keyed by their full path.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/store"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// DB is an open bbolt file shared by every tenant partition.
type DB struct {
	db  *bbolt.DB
	log *zap.Logger
}

// OpenDB opens (or creates) the bbolt file at path.
func OpenDB(path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{db: db, log: log}, nil
}

// Close closes the file.
func (d *DB) Close() error { return d.db.Close() }

// Store is one tenant partition.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	hub    *store.Hub
	log    *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Tenant opens the partition for tenant, creating its bucket if needed.
func (d *DB) Tenant(tenant string) (*Store, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant: %w", errs.ErrInvalidInput)
	}
	s := &Store{db: d.db, bucket: []byte("tenant:" + tenant), log: d.log.With(zap.String("tenant", tenant))}
	if err := d.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	}); err != nil {
		return nil, err
	}
	s.hub = store.NewHub(s.load, s.log)
	return s, nil
}

func (s *Store) load(_ context.Context, path string, q store.Query) (store.Snapshot, error) {
	var snap store.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		snap = read(tx.Bucket(s.bucket), path)
		return nil
	})
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %w", errs.ErrRemoteUnavailable, err)
	}
	snap.Children = store.Window(snap.Children, q)
	return snap, nil
}

// read collects the record at path and its direct children with a prefix cursor.
func read(b *bbolt.Bucket, path string) store.Snapshot {
	snap := store.Snapshot{Path: path}
	if v := b.Get([]byte(path)); v != nil {
		snap.Value = append([]byte(nil), v...)
	}
	prefix := []byte(path + "/")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rest := k[len(prefix):]
		if bytes.IndexByte(rest, '/') >= 0 {
			continue
		}
		snap.Children = append(snap.Children, store.Record{Key: string(rest), Value: append([]byte(nil), v...)})
	}
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
	snap, err := s.load(ctx, p, store.Query{})
	if err != nil {
		return store.Snapshot{}, err
	}
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

func (s *Store) update(ctx context.Context, path string, f func(b *bbolt.Bucket, p string) error) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return f(tx.Bucket(s.bucket), p)
	}); err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %w", errs.ErrRemoteUnavailable, err)
	}
	s.log.Debug("record changed", zap.String("path", p))
	s.hub.Changed(p)
	return nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	data, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	return s.update(ctx, path, func(b *bbolt.Bucket, p string) error {
		return b.Put([]byte(p), data)
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("update: no fields: %w", errs.ErrInvalidInput)
	}
	return s.update(ctx, path, func(b *bbolt.Bucket, p string) error {
		data, err := store.Merge(b.Get([]byte(p)), fields)
		if err != nil {
			return err
		}
		if data == nil {
			return b.Delete([]byte(p))
		}
		return b.Put([]byte(p), data)
	})
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.update(ctx, path, func(b *bbolt.Bucket, p string) error {
		if err := b.Delete([]byte(p)); err != nil {
			return err
		}
		prefix := []byte(p + "/")
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
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

// Close stops the partition's subscriptions. The shared file stays open.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}
