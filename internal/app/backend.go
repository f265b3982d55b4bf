package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/and161185/livechat/internal/config"
	"github.com/and161185/livechat/internal/limiter"
	"github.com/and161185/livechat/internal/migrate"
	"github.com/and161185/livechat/internal/store"
	"github.com/and161185/livechat/internal/store/boltstore"
	"github.com/and161185/livechat/internal/store/memstore"
	"github.com/and161185/livechat/internal/store/postgres"
	"go.uber.org/zap"
)

// Backend opens tenant partitions of one storage deployment.
type Backend interface {
	Open(ctx context.Context, tenant string) (store.Store, error)
	// Limiter returns the login throttle shared by the clients of tenant.
	Limiter(tenant string) limiter.Limiter
	Close() error
}

// OpenBackend connects the backend selected by cfg.Store.Driver. The postgres
// schema is migrated before the pool is opened.
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverBolt:
		db, err := boltstore.OpenDB(cfg.Store.Path, log)
		if err != nil {
			return nil, err
		}
		return &boltBackend{db: db, cfg: cfg}, nil
	case config.DriverPostgres:
		if _, err := migrate.Up(ctx, cfg.Store.DSN, log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return &pgBackend{db: db, cfg: cfg, log: log}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func memoryLimiter(cfg *config.Config) limiter.Limiter {
	return limiter.NewMemory(cfg.Login.Window, cfg.Login.MaxFailures, cfg.Login.BlockFor)
}

type boltBackend struct {
	db  *boltstore.DB
	cfg *config.Config
}

func (b *boltBackend) Open(_ context.Context, tenant string) (store.Store, error) {
	s, err := b.db.Tenant(tenant)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *boltBackend) Limiter(string) limiter.Limiter { return memoryLimiter(b.cfg) }

func (b *boltBackend) Close() error { return b.db.Close() }

type pgBackend struct {
	db  *postgres.DB
	cfg *config.Config
	log *zap.Logger
}

func (b *pgBackend) Open(_ context.Context, tenant string) (store.Store, error) {
	s, err := postgres.NewStore(b.db, tenant, b.db.Dialer(), b.log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (b *pgBackend) Limiter(tenant string) limiter.Limiter {
	return limiter.NewPG(b.db.Pool, tenant, b.cfg.Login.Window, b.cfg.Login.MaxFailures, b.cfg.Login.BlockFor)
}

func (b *pgBackend) Close() error {
	b.db.Close()
	return nil
}

// MemoryBackend keeps every tenant in process memory. Partitions survive
// Close of the tenant store so a tenant can be reopened.
type MemoryBackend struct {
	cfg *config.Config

	mu      sync.Mutex
	tenants map[string]*memstore.Store
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend(cfg *config.Config) *MemoryBackend {
	return &MemoryBackend{cfg: cfg, tenants: map[string]*memstore.Store{}}
}

// Open implements Backend.
func (b *MemoryBackend) Open(_ context.Context, tenant string) (store.Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.tenants[tenant]
	if !ok {
		s = memstore.New(nil)
		b.tenants[tenant] = s
	}
	return keepOpen{s}, nil
}

// Tenant returns the raw partition of tenant, creating it when missing.
func (b *MemoryBackend) Tenant(tenant string) *memstore.Store {
	st, _ := b.Open(context.Background(), tenant)
	return st.(keepOpen).Store
}

// Limiter implements Backend.
func (b *MemoryBackend) Limiter(string) limiter.Limiter { return memoryLimiter(b.cfg) }

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.tenants {
		_ = s.Close()
	}
	b.tenants = map[string]*memstore.Store{}
	return nil
}

// keepOpen ignores Close so the partition outlives one App session.
type keepOpen struct{ *memstore.Store }

func (keepOpen) Close() error { return nil }
