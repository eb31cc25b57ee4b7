// Command cacheclean keeps the shared cache directories under their
// byte ceiling, evicting least-recently-used entries. It runs forever;
// a supervisor restarts it if the sweep loop ever returns.
package main

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"auctus/internal/cache"
	"auctus/internal/config"
	"auctus/internal/worker"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log := logger.Sugar()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("configuration invalid", "error", err)
	}

	sweeper := &cache.Sweeper{
		Dirs: []string{
			filepath.Join(cfg.CacheDir, "datasets"),
			filepath.Join(cfg.CacheDir, "aug"),
			filepath.Join(cfg.CacheDir, "user_data"),
		},
		MaxBytes: cfg.MaxCacheBytes,
		Log:      log,
	}
	log.Infow("cache sweeper running",
		"dirs", sweeper.Dirs, "max_bytes", cfg.MaxCacheBytes)
	worker.Watchdog(log, "cache sweeper", func() error {
		return sweeper.Run(context.Background())
	})
}
