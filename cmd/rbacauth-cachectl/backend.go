package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/store/pgstore"
	"github.com/braybrandon/rbacauth/store/redisstore"
)

var errNeedPostgres = errors.New("this command needs postgres.dsn")

type roleLister interface {
	RoleIDs(ctx context.Context) ([]int64, error)
}

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// backend is what the commands operate on. source, roles and ledger are nil
// when no database is configured.
type backend struct {
	cache  permission.CacheStore
	source permission.Source
	roles  roleLister
	ledger pruner
	close  func()

	recomputeRetries int
}

func openBackend(ctx context.Context, cfg *config) (*backend, error) {
	b := &backend{recomputeRetries: cfg.Permissions.RecomputeRetries}
	var closers []func()
	b.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Postgres.DSN != "" {
		pg, err := pgstore.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, func() { _ = pg.Close() })
		if err := pg.Ping(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		grants := pg.Grants()
		b.source = grants
		b.roles = grants
		b.ledger = pg.Ledger()
		if cfg.Cache.Backend == "postgres" {
			b.cache = pg.CacheStore()
		}
	}

	if cfg.Cache.Backend == "redis" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.cache = redisstore.NewCacheStore(client, cfg.Redis.Prefix)
	}
	return b, nil
}
