// Package postgres is a Store backed by a shared PostgreSQL table. Changes are
// fanned out to other clients with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/livechat/internal/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the notification channel the records trigger publishes on.
const Channel = "livechat_records"

// PgxPool is the subset of *pgxpool.Pool the store uses, so pgxmock can stand in.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// DB wraps the pool shared by every tenant partition.
type DB struct {
	Pool PgxPool
	dsn  string
}

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, unavailable(err)
	}
	return &DB{Pool: pool, dsn: dsn}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Listener waits for notifications on a dedicated connection.
type Listener interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// DialFunc opens a Listener already subscribed to Channel.
type DialFunc func(ctx context.Context) (Listener, error)

// Dialer returns a DialFunc that opens a plain connection to the pool's DSN.
func (db *DB) Dialer() DialFunc {
	return func(ctx context.Context) (Listener, error) {
		conn, err := pgx.Connect(ctx, db.dsn)
		if err != nil {
			return nil, err
		}
		if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}
		return conn, nil
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", errs.ErrRemoteUnavailable, err)
}
