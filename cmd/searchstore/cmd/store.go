package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/searchstore/internal/config"
	"github.com/Aman-CERP/searchstore/internal/engine"
	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/index/memory"
	"github.com/Aman-CERP/searchstore/internal/index/sqlite"
	"github.com/Aman-CERP/searchstore/internal/migrate"
	"github.com/Aman-CERP/searchstore/internal/optimize"
)

// lockPollInterval caps the delay between attempts on a held data directory.
const lockPollInterval = 500 * time.Millisecond

// openEngine opens the configured backend and an engine over it. The
// returned close function persists and releases the store.
func openEngine(ctx context.Context, opts *rootOptions) (*engine.Engine, func(), error) {
	cfg, err := opts.config()
	if err != nil {
		return nil, nil, err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(ctx, backend, engineConfig(cfg))
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if err := eng.Close(); err != nil {
			slog.Warn("engine_close_failed", errors.FormatForLog(err)...)
		}
	}
	return eng, closeFn, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (index.Backend, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return memory.New(), nil
	}
	b, err := sqlite.Open(ctx, sqlite.Config{
		Dir:         cfg.Storage.DataDir,
		TextIndex:   sqlite.TextIndexKind(cfg.Storage.TextIndex),
		CacheSize:   cfg.Storage.CacheSize,
		BusyTimeout: cfg.BusyTimeout(),
		LockRetry:   lockRetry(cfg.LockTimeout()),
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// lockRetry spreads attempts on a held data directory over timeout.
func lockRetry(timeout time.Duration) errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:   int(timeout / lockPollInterval),
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     lockPollInterval,
		Multiplier:   2.0,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Optimize: optimize.Config{
			Enabled:           cfg.Optimize.Enabled,
			DocCountThreshold: cfg.Optimize.DocCountThreshold,
			BytesThreshold:    cfg.Optimize.BytesThreshold,
			TimeThreshold:     cfg.TimeThreshold(),
			CheckInterval:     cfg.Optimize.CheckInterval,
		},
		Migration: migrate.Config{
			MaxFailures: cfg.Migration.MaxFailures,
			Parallelism: cfg.Migration.Parallelism,
			SpillDir:    cfg.Migration.SpillDir,
		},
		VisibilityCacheSize: cfg.Visibility.CacheSize,
		Logger:              slog.Default(),
	}
}
