package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/analytics"
	"github.com/roach88/crashwatch/internal/api"
	"github.com/roach88/crashwatch/internal/config"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/store"
	"github.com/roach88/crashwatch/internal/store/pgstore"
)

// Store is everything the runtime needs from a game store. Both the SQLite
// and the Postgres stores satisfy it.
type Store interface {
	ingest.GameStore
	ingest.ReverifyStore
	analytics.Source
	api.GameReader

	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*pgstore.Store)(nil)
)

// OpenStore opens the store cfg selects.
func OpenStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Store.DSN, pgstore.WithLocation(cfg.Location()))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("store opened", zap.String("driver", cfg.Store.Driver))
		return s, nil
	default:
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		s, err := store.Open(cfg.Store.Path, store.WithLocation(cfg.Location()))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("store opened", zap.String("driver", config.DriverSQLite), zap.String("path", cfg.Store.Path))
		return s, nil
	}
}
