package postgres

import "time"

// SessionModel maps to the "console_sessions" table.
type SessionModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConsoleAllowed bool   `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "console_sessions" }
