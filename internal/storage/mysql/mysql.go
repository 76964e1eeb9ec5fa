// Package mysql implements the MySQL session backend using GORM.
package mysql

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	pgstore "github.com/jkaninda/devconsole/internal/storage/postgres"
)

// Config configures the MySQL connection.
type Config struct {
	DSN          string // e.g. user:pass@tcp(host:3306)/devconsole?parseTime=true
	MaxOpenConns int
}

// Open connects to MySQL and migrates the session table.
func Open(cfg Config, slogger *slog.Logger) (*pgstore.SessionRepository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := pgstore.Migrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("mysql session store connected")
	return pgstore.NewSessionRepository(db), nil
}
