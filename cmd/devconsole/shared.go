package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/devconsole/internal/config"
	"github.com/jkaninda/devconsole/internal/console"
	"github.com/jkaninda/devconsole/internal/observability"
	"github.com/jkaninda/devconsole/internal/ratelimit"
	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/secrets"
	"github.com/jkaninda/devconsole/internal/security"
	"github.com/jkaninda/devconsole/internal/session"
	"github.com/jkaninda/devconsole/internal/storage"
)

// wsPath is where the websocket channel is mounted when enabled.
const wsPath = "/console/ws"

// SharedComponents holds the initialized subsystems of serve mode.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Store   session.Store
	Gate    *security.Gate
	Limiter *ratelimit.Limiter
	Console *console.Console
	Secrets *secrets.Resolver

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig reads path, or falls back to defaults plus environment
// overrides when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// initShared opens the session store and builds the gate and console.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Secret references.
	resolver, err := newSecretResolver(cfg)
	if err != nil {
		return nil, err
	}
	sc.Secrets = resolver
	if err := resolver.ResolveAll(ctx,
		&cfg.Security.Secret,
		&cfg.Session.SigningKey,
		&cfg.Session.DSN,
		&cfg.Session.RedisPassword,
	); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	if err := resolveTracingHeaders(ctx, resolver, cfg.Observability); err != nil {
		return nil, err
	}

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, version, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	})
	if obs.Enabled() {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Session store.
	store, err := storage.Open(ctx, storage.Config{
		Driver:        cfg.Session.Driver,
		SQLitePath:    cfg.Session.SQLitePath,
		DSN:           cfg.Session.DSN,
		RedisAddr:     cfg.Session.RedisAddr,
		RedisPassword: cfg.Session.RedisPassword,
		RedisDB:       cfg.Session.RedisDB,
		IdleTTL:       cfg.Session.IdleTTL(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing session store", slog.String("error", err.Error()))
		}
	})
	if h := cfg.Observability; h != nil && h.Health != nil && h.Health.IncludeSessionStore {
		obs.AddReadyCheck("session_store", store.Ping)
	}

	// Gate.
	sc.Gate = security.NewGate(store, cfg.Security.Secret, logger)
	gate := obs.WrapGate(sc.Gate)

	// Audit log.
	var auditor security.Auditor = security.NopAuditor{}
	if cfg.Security.AuditLogPath != "" {
		al, err := security.NewAuditLogger(cfg.Security.AuditLogPath, security.AuditOptions{
			MaxBytes: cfg.Security.AuditLogMaxBytes,
		}, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit log: %w", err)
		}
		auditor = al
		sc.addCleanup(func() { _ = al.Close() })
		logger.Debug("audit log enabled", slog.String("path", cfg.Security.AuditLogPath))
	}

	sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	opts := console.Options{
		HomeURL:    cfg.Server.HomeURL,
		Production: cfg.IsProduction(),
		Strict:     cfg.Console.StrictRequests,
		Limits: console.Limits{
			DefaultMaxDepth: cfg.Console.DefaultMaxDepth,
			MaxDepthLimit:   cfg.Serializer.MaxDepthLimit,
		},
	}
	if cfg.Server.WebSocket {
		opts.WSPath = wsPath
	}
	sc.Console = console.New(gate, store, buildPipeline(cfg, obs, logger), opts, logger).
		WithLimiter(sc.Limiter).
		WithAuditor(auditor)

	logger.Debug("console initialized",
		slog.String("instance_type", cfg.InstanceType),
		slog.String("session_driver", cfg.Session.Driver),
		slog.Int("default_max_depth", opts.Limits.DefaultMaxDepth),
		slog.Int("max_depth_limit", opts.Limits.MaxDepthLimit),
	)
	return sc, nil
}

// newSecretResolver always handles env:// and file:// references, and
// vault:// when secrets.vault is configured.
func newSecretResolver(cfg *config.Config) (*secrets.Resolver, error) {
	providers := []secrets.Provider{secrets.EnvProvider{}, secrets.FileProvider{}}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing vault secrets: %w", err)
		}
		providers = append(providers, vp)
	}
	return secrets.NewResolver(providers...), nil
}

// resolveTracingHeaders replaces secret references in exporter headers.
func resolveTracingHeaders(ctx context.Context, r *secrets.Resolver, cfg *config.ObservabilityConfig) error {
	if cfg == nil || cfg.Tracing == nil {
		return nil
	}
	for k, v := range cfg.Tracing.Headers {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return fmt.Errorf("resolving observability.tracing.headers.%s: %w", k, err)
		}
		cfg.Tracing.Headers[k] = resolved
	}
	return nil
}

// buildPipeline assembles execute, serialize and assemble. obs may be nil.
func buildPipeline(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) console.Pipeline {
	code := obs.WrapRunner(runner.NewJSRunner(runner.JSConfig{Timeout: cfg.Runner.Timeout()}))
	return console.Pipeline{
		Executor:   runner.NewHost(code, logger),
		Serializer: obs.Serializer(),
	}
}
