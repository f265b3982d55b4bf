package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/and161185/livechat/internal/codec"
	"github.com/and161185/livechat/internal/errs"
	"github.com/and161185/livechat/internal/store"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Store is one tenant partition of the records table.
type Store struct {
	db     *DB
	tenant string
	dial   DialFunc
	hub    *store.Hub
	log    *zap.Logger

	mu        sync.Mutex
	listening bool
	stop      context.CancelFunc
}

var _ store.Store = (*Store)(nil)

// NewStore opens the partition for tenant. dial may be nil to disable remote
// change notifications; local writes are still delivered.
func NewStore(db *DB, tenant string, dial DialFunc, log *zap.Logger) (*Store, error) {
	if tenant == "" || strings.Contains(tenant, "|") {
		return nil, fmt.Errorf("tenant %q: %w", tenant, errs.ErrInvalidInput)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, tenant: tenant, dial: dial, log: log.With(zap.String("tenant", tenant))}
	s.hub = store.NewHub(s.load, s.log)
	return s, nil
}

// rankOrderKey ranks the order field by JSON type the way store.Order does:
// missing or null < boolean < number < string.
const rankOrderKey = `CASE jsonb_typeof(value->$3) WHEN 'boolean' THEN 1 WHEN 'number' THEN 2 WHEN 'string' THEN 3 ELSE 0 END`

func (s *Store) load(ctx context.Context, path string, q store.Query) (store.Snapshot, error) {
	snap := store.Snapshot{Path: path}

	const one = `SELECT value FROM records WHERE tenant=$1 AND path=$2`
	var v []byte
	switch err := s.db.Pool.QueryRow(ctx, one, s.tenant, path).Scan(&v); {
	case err == nil:
		snap.Value = v
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return store.Snapshot{}, unavailable(err)
	}

	const all = `SELECT key, value FROM records WHERE tenant=$1 AND parent=$2`
	const last = `
SELECT key, value FROM records
WHERE tenant=$1 AND parent=$2
ORDER BY ` + rankOrderKey + ` DESC, value->$3 DESC NULLS LAST, key DESC
LIMIT $4`
	var (
		rows pgx.Rows
		err  error
	)
	if q.LimitToLast > 0 {
		rows, err = s.db.Pool.Query(ctx, last, s.tenant, path, q.OrderBy, q.LimitToLast)
	} else {
		rows, err = s.db.Pool.Query(ctx, all, s.tenant, path)
	}
	if err != nil {
		return store.Snapshot{}, unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var r store.Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return store.Snapshot{}, unavailable(err)
		}
		snap.Children = append(snap.Children, r)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, unavailable(err)
	}
	snap.Children = store.Window(snap.Children, q)
	return snap, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	p, err := store.Clean(path)
	if err != nil {
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
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(p, q, fn), nil
}

const upsert = `
INSERT INTO records (tenant, path, parent, key, value, updated_at)
VALUES ($1,$2,$3,$4,$5::jsonb,now())
ON CONFLICT (tenant, path) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := s.db.Pool.Exec(ctx, upsert, s.tenant, p, store.Parent(p), store.Base(p), string(data)); err != nil {
		return unavailable(err)
	}
	s.hub.Changed(p)
	return nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("update: no fields: %w", errs.ErrInvalidInput)
	}
	if err := s.merge(ctx, p, fields); err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			return err
		}
		return unavailable(err)
	}
	s.hub.Changed(p)
	return nil
}

func (s *Store) merge(ctx context.Context, p string, fields map[string]any) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT value FROM records WHERE tenant=$1 AND path=$2 FOR UPDATE`
	const del = `DELETE FROM records WHERE tenant=$1 AND path=$2`

	var cur []byte
	if err = tx.QueryRow(ctx, sel, s.tenant, p).Scan(&cur); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	next, err := store.Merge(cur, fields)
	if err != nil {
		return err
	}
	if next == nil {
		_, err = tx.Exec(ctx, del, s.tenant, p)
		return err
	}
	_, err = tx.Exec(ctx, upsert, s.tenant, p, store.Parent(p), store.Base(p), string(next))
	return err
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	p, err := store.Clean(path)
	if err != nil {
		return err
	}
	const q = `DELETE FROM records WHERE tenant=$1 AND (path=$2 OR starts_with(path, $3))`
	if _, err := s.db.Pool.Exec(ctx, q, s.tenant, p, p+"/"); err != nil {
		return unavailable(err)
	}
	s.hub.Changed(p)
	return nil
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

// Close stops notifications and subscriptions. The shared pool stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.listening = false
	s.mu.Unlock()
	s.hub.Close()
	return nil
}
