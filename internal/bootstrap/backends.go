// Package bootstrap opens the job store and quota ledger chosen by
// configuration and the connections they sit on. Both binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/portraitflow/internal/config"
	"github.com/dunamismax/portraitflow/internal/database"
	"github.com/dunamismax/portraitflow/internal/quota"
	"github.com/dunamismax/portraitflow/internal/store"
)

type Backends struct {
	Jobs   store.JobStore
	Ledger quota.Ledger

	cfg    config.Config
	logger zerolog.Logger
	db     *sqlx.DB
	redis  redis.UniversalClient
}

func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Backends, error) {
	b := &Backends{cfg: cfg, logger: logger}

	if err := b.openJobStore(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.openLedger(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) openJobStore(ctx context.Context) error {
	switch b.cfg.Database.JobBackend {
	case config.BackendMemory:
		b.logger.Warn().Msg("using in-memory job store; jobs are not shared between processes")
		b.Jobs = store.NewMemoryJobStore()
		return nil
	case config.BackendPostgres:
		db, err := b.postgres(ctx)
		if err != nil {
			return err
		}
		jobs, err := store.NewPostgresJobStore(ctx, db)
		if err != nil {
			return fmt.Errorf("init postgres job store: %w", err)
		}
		b.Jobs = jobs
		return nil
	default:
		return fmt.Errorf("unsupported job store backend %q", b.cfg.Database.JobBackend)
	}
}

func (b *Backends) openLedger(ctx context.Context) error {
	switch b.cfg.Quota.Backend {
	case config.BackendMemory:
		b.logger.Warn().Msg("using in-memory quota ledger; counters are not shared between processes")
		b.Ledger = quota.NewMemoryLedger()
		return nil
	case config.BackendRedis:
		client, err := b.Redis(ctx)
		if err != nil {
			return err
		}
		ledger, err := quota.NewRedisLedger(client, b.cfg.Quota.KeyPrefix, b.cfg.Quota.Retention)
		if err != nil {
			return fmt.Errorf("init redis quota ledger: %w", err)
		}
		b.Ledger = ledger
		return nil
	case config.BackendPostgres:
		db, err := b.postgres(ctx)
		if err != nil {
			return err
		}
		ledger, err := quota.NewPostgresLedger(ctx, db, b.cfg.Quota.Retention)
		if err != nil {
			return fmt.Errorf("init postgres quota ledger: %w", err)
		}
		b.Ledger = ledger
		return nil
	default:
		return fmt.Errorf("unsupported quota backend %q", b.cfg.Quota.Backend)
	}
}

// Redis returns the shared Redis client, connecting on first use.
func (b *Backends) Redis(ctx context.Context) (redis.UniversalClient, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Queue.RedisAddr,
		Password: b.cfg.Queue.RedisPassword,
		DB:       b.cfg.Queue.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", b.cfg.Queue.RedisAddr, err)
	}
	b.redis = client
	return client, nil
}

func (b *Backends) postgres(ctx context.Context) (*sqlx.DB, error) {
	if b.db != nil {
		return b.db, nil
	}
	db, err := database.Open(ctx, b.cfg.Database.DSN, b.cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

// Purger returns the ledger when it keeps rows that need periodic cleanup.
func (b *Backends) Purger() (*quota.PostgresLedger, bool) {
	p, ok := b.Ledger.(*quota.PostgresLedger)
	return p, ok
}

func (b *Backends) Close() error {
	var errs []error
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}
