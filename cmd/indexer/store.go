package main

import (
	"context"
	"fmt"

	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/store/postgres"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/store/redis"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/internal/store/sqlite"
	pkgconfig "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/config"
	"github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/store"
)

// backendStore is implemented by every store backend.
type backendStore interface {
	store.CheckpointedStore
	PrunedHeight(ctx context.Context) (uint64, bool, error)
}

var (
	_ backendStore = (*sqlite.Store)(nil)
	_ backendStore = (*redis.Store)(nil)
	_ backendStore = (*postgres.Store)(nil)
)

func openStore(ctx context.Context, cfg *pkgconfig.Config) (backendStore, error) {
	switch cfg.Store.Backend {
	case pkgconfig.BackendSQLite:
		return sqlite.Open(ctx, cfg.Store, cfg.Logging)
	case pkgconfig.BackendRedis:
		return redis.Open(ctx, *cfg.Store.Redis, cfg.Logging)
	case pkgconfig.BackendPostgres:
		return postgres.Open(ctx, *cfg.Store.Postgres, cfg.Logging)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
