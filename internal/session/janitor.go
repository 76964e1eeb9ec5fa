package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JanitorConfig controls idle session expiry for sweeping stores.
type JanitorConfig struct {
	Schedule string        // Cron spec or descriptor, e.g. "@every 10m".
	IdleTTL  time.Duration // Sessions untouched for longer are removed.
}

// StartJanitor runs Sweep on the configured schedule until the returned
// stop function is called or ctx is done.
func StartJanitor(ctx context.Context, s Sweeper, cfg JanitorConfig, logger *slog.Logger) (func(), error) {
	if cfg.IdleTTL <= 0 {
		return func() {}, nil
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		removed, err := s.Sweep(ctx, time.Now().Add(-cfg.IdleTTL))
		if err != nil {
			logger.Warn("session sweep failed", slog.String("error", err.Error()))
			return
		}
		if removed > 0 {
			logger.Info("expired idle sessions", slog.Int64("removed", removed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	c.Start()
	logger.Info("session janitor started",
		slog.String("schedule", cfg.Schedule),
		slog.String("idle_ttl", cfg.IdleTTL.String()),
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-c.Stop().Done()
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
