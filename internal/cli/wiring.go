package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/memory"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/postgres"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate/sqlite"
	"github.com/jcmexdev/message-sagas/internal/pkg/config"
	"github.com/jcmexdev/message-sagas/internal/pkg/lock"
)

// closers releases what serve opened, last opened first.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (sagastate.Repository, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return memory.NewRepository(), nil
	case config.StoreSQLite:
		return sqlite.Open(cfg.Store.Path)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newLocker(ctx context.Context, cfg *config.Config, store sagastate.Repository, logger *slog.Logger) (lock.Locker, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Lock.Driver {
	case config.LockLocal:
		return lock.NewLocal(), noop, nil

	case config.LockRedis:
		l := lock.NewRedisAddr(cfg.Lock.RedisAddr, cfg.ServiceName, lock.RedisOptions{
			TTL: cfg.Lock.TTL,
			OnReleaseError: func(key string, err error) {
				logger.Warn("failed to release saga lock", "key", key, "error", err)
			},
		})
		if err := l.Ping(ctx); err != nil {
			_ = l.Close()
			return nil, nil, fmt.Errorf("redis lock %s: %w", cfg.Lock.RedisAddr, err)
		}
		return l, l.Close, nil

	case config.LockPostgres:
		pg, ok := store.(*postgres.Repository)
		if !ok {
			return nil, nil, errors.New("postgres lock needs the postgres store")
		}
		return postgres.NewAdvisoryLocker(pg.Pool()), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Lock.Driver)
	}
}
