package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/devconsole/internal/config"
	"github.com/jkaninda/devconsole/internal/gateway"
	"github.com/jkaninda/devconsole/internal/gateway/httpapi"
	"github.com/jkaninda/devconsole/internal/gateway/ws"
	"github.com/jkaninda/devconsole/internal/observability"
	"github.com/jkaninda/devconsole/internal/session"
	goutils "github.com/jkaninda/go-utils"
)

const limiterIdle = 10 * time.Minute

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the console HTTP server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `devconsole --config path` and `devconsole serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (YAML or JSON)")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the console gateways and blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	configPath := goutils.Env("DEVCONSOLE_CONFIG", serveConfigPath)
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting devconsole",
		slog.String("config", configPath),
		slog.String("instance_type", cfg.InstanceType),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Idle session expiry for stores without native TTLs.
	if sw, ok := sc.Store.(session.Sweeper); ok {
		stopJanitor, err := session.StartJanitor(ctx, sc.Obs.WrapSweeper(sw), session.JanitorConfig{
			Schedule: cfg.Session.SweepSchedule,
			IdleTTL:  cfg.Session.IdleTTL(),
		}, logger)
		if err != nil {
			return fmt.Errorf("starting session janitor: %w", err)
		}
		defer stopJanitor()
		logger.Debug("session janitor started", slog.String("schedule", cfg.Session.SweepSchedule))
	}
	go pruneLimiter(ctx, sc)

	codec, err := newCookieCodec(cfg, logger)
	if err != nil {
		return err
	}

	httpGW := httpapi.NewGateway(httpConfig(cfg, sc.Obs), sc.Console, codec, logger)
	if cfg.Server.WebSocket {
		wsServer := ws.NewServer(sc.Console, httpGW.RequestReader(), ws.Config{}, logger)
		httpGW.WithHandler(wsPath, wsServer.Handler())
		logger.Debug("websocket channel mounted", slog.String("path", wsPath))
	}

	// Hot reload of secret and instance type.
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			secret, err := sc.Secrets.Resolve(ctx, next.Security.Secret)
			if err != nil {
				logger.Error("config reload: resolving security.secret", slog.String("error", err.Error()))
				return
			}
			sc.Gate.SetSecret(secret)
			sc.Console.SetProduction(next.IsProduction())
			logger.Info("config reloaded",
				slog.String("instance_type", next.InstanceType),
			)
		}, logger)
		if err != nil {
			logger.Warn("config watcher disabled", slog.String("error", err.Error()))
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.Warn("config watcher stopped", slog.String("error", err.Error()))
				}
			}()
		}
	}

	gateways := []gateway.Gateway{httpGW}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	logger.Info("devconsole stopped")
	return nil
}

func httpConfig(cfg *config.Config, obs *observability.Observability) httpapi.Config {
	hc := httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		TrustProxy:     cfg.Server.TrustProxy,
	}
	if obs == nil {
		return hc
	}
	hc.Metrics = obs.Metrics
	hc.HealthChecker = obs.Health
	if obs.Metrics != nil {
		hc.MetricsRegistry = obs.Metrics.Registry
	}
	if obs.Tracer != nil {
		hc.Tracer = obs.Tracer.Tracer()
	}
	if cfg.Observability.Metrics != nil {
		hc.MetricsPath = cfg.Observability.Metrics.Path
	}
	return hc
}

// newCookieCodec uses the configured signing key, or a random one that
// does not survive a restart.
func newCookieCodec(cfg *config.Config, logger *slog.Logger) (*session.CookieCodec, error) {
	key := cfg.Session.SigningKey
	if key == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generating session signing key: %w", err)
		}
		key = hex.EncodeToString(b)
		logger.Warn("session.signing_key not set; sessions will not survive a restart")
	}
	codec, err := session.NewCookieCodec(key, cfg.Session.CookieTTL(), cfg.Session.SecureCookie)
	if err != nil {
		return nil, fmt.Errorf("initializing session cookies: %w", err)
	}
	return codec, nil
}

// pruneLimiter drops rate limiter buckets of sessions idle for a while.
func pruneLimiter(ctx context.Context, sc *SharedComponents) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sc.Limiter.Prune(now.Add(-limiterIdle)); n > 0 {
				sc.Logger.Debug("pruned idle rate limiter buckets", slog.Int("removed", n))
			}
		}
	}
}
