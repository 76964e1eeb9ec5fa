package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/devconsole/internal/session"
)

// SessionRepository implements session.Store over any GORM dialect.
// The SQLite and MySQL backends reuse it unchanged.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get returns the stored state and refreshes the row's idle timer.
func (r *SessionRepository) Get(ctx context.Context, id string) (session.State, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.State{}, session.ErrNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("getting session: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&SessionModel{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", r.db.NowFunc()).Error; err != nil {
		return session.State{}, fmt.Errorf("touching session: %w", err)
	}
	return session.State{ConsoleAllowed: m.ConsoleAllowed}, nil
}

// Save upserts the session row.
func (r *SessionRepository) Save(ctx context.Context, id string, st session.State) error {
	m := SessionModel{ID: id, ConsoleAllowed: st.ConsoleAllowed}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"console_allowed", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Sweep deletes sessions idle since before idleSince.
func (r *SessionRepository) Sweep(ctx context.Context, idleSince time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("updated_at < ?", idleSince.UTC()).Delete(&SessionModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for health/readiness probes.
func (r *SessionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (r *SessionRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates the session table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&SessionModel{})
}
