package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/lazypower/tierkeeper/internal/config"
	"github.com/lazypower/tierkeeper/internal/tier"
)

// Open builds the store a backend config describes. Relative paths are
// resolved against dataDir.
func Open(ctx context.Context, cfg config.BackendConfig, dataDir string) (tier.Store, error) {
	quota, err := cfg.QuotaBytes()
	if err != nil {
		return nil, fmt.Errorf("backend quota: %w", err)
	}
	path := cfg.Path
	if path != "" && path != ":memory:" && !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}

	switch cfg.Kind {
	case "memory", "":
		return NewMemStore(quota), nil
	case "sqlite":
		return OpenSQLite(path, quota)
	case "fs":
		return OpenFS(path, quota)
	case "badger":
		return OpenBadger(path, cfg.InMemory)
	case "redis":
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
