// Package storage selects and opens the session backend.
// Four backends are provided: memory (default, zero-config), SQLite,
// PostgreSQL/MySQL for shared deployments, and Redis with native TTLs.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/devconsole/internal/session"
	"github.com/jkaninda/devconsole/internal/storage/mysql"
	"github.com/jkaninda/devconsole/internal/storage/postgres"
	"github.com/jkaninda/devconsole/internal/storage/redis"
	"github.com/jkaninda/devconsole/internal/storage/sqlite"
)

// Driver names accepted in configuration.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
)

// Config selects a backend and carries its settings.
type Config struct {
	Driver string

	SQLitePath string
	DSN        string // postgres and mysql.

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IdleTTL time.Duration
}

// Open returns the configured store. The memory and SQL backends also
// implement session.Sweeper; Redis expires keys on its own.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (session.Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), nil
	case DriverSQLite:
		return sqlite.Open(sqlite.Config{Path: cfg.SQLitePath}, logger)
	case DriverPostgres:
		return postgres.Open(postgres.Config{DSN: cfg.DSN}, logger)
	case DriverMySQL:
		return mysql.Open(mysql.Config{DSN: cfg.DSN}, logger)
	case DriverRedis:
		return redis.Open(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.IdleTTL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown session store driver %q", cfg.Driver)
	}
}
