package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter shared by every client of a tenant.
type PG struct {
	pool     pgxQuerier
	tenant   string
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter for tenant.
func NewPG(q pgxQuerier, tenant string, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, tenant: tenant, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, username string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_limiter WHERE tenant=$1 AND username=$2`
	var blockedUntil time.Time
	switch err := l.pool.QueryRow(ctx, q, l.tenant, username).Scan(&blockedUntil); err {
	case nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for username.
func (l *PG) Success(ctx context.Context, username string) error {
	const q = `DELETE FROM login_limiter WHERE tenant=$1 AND username=$2`
	_, err := l.pool.Exec(ctx, q, l.tenant, username)
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, username string) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_limiter (tenant, username, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (tenant, username) DO UPDATE
SET
  fail_count = CASE WHEN now() - login_limiter.updated_at > $3::interval THEN 1 ELSE login_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, l.tenant, username, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_limiter SET blocked_until=$3 WHERE tenant=$1 AND username=$2`
	if _, err := l.pool.Exec(ctx, upd, l.tenant, username, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
