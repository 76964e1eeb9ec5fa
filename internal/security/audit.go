package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Auditor records console actions.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditOptions tunes an AuditLogger.
type AuditOptions struct {
	// MaxBytes rotates the file to "<path>.1" once it would grow past this
	// size. Only one generation is kept. Zero disables rotation.
	MaxBytes int64
}

// AuditLogger appends one JSON object per line to a file opened 0600.
// Scripts are never written; callers record their length only.
type AuditLogger struct {
	path   string
	opts   AuditOptions
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewAuditLogger opens path for appending, creating it if needed.
func NewAuditLogger(path string, opts AuditOptions, logger *slog.Logger) (*AuditLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditLogger{path: path, opts: opts, logger: logger, now: time.Now}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLogger) open() error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log %s: %w", a.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log %s: %w", a.path, err)
	}
	a.file, a.size = f, info.Size()
	return nil
}

// rotate must be called with mu held.
func (a *AuditLogger) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}
	if err := os.Rename(a.path, a.path+".1"); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}
	return a.open()
}

// LogAction stamps event if needed and writes it as a single line.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("audit log %s is closed", a.path)
	}
	if a.opts.MaxBytes > 0 && a.size > 0 && a.size+int64(len(line)) > a.opts.MaxBytes {
		if err := a.rotate(); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "audit log rotated", slog.String("path", a.path))
	}
	n, err := a.file.Write(line)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	a.logger.DebugContext(ctx, "audit",
		slog.String("action", event.Action),
		slog.String("result", event.Result),
		slog.String("session_id", event.SessionID),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close closes the file. Later LogAction calls fail.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// NopAuditor discards events.
type NopAuditor struct{}

func (NopAuditor) LogAction(context.Context, AuditEvent) error { return nil }
func (NopAuditor) Close() error                                { return nil }
