package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/devconsole/internal/session"
)

func openTestStore(t *testing.T) session.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "sessions.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRepository_SaveGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "sid"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get unknown: err = %v", err)
	}
	if err := s.Save(ctx, "sid", session.State{ConsoleAllowed: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Second save takes the upsert path.
	if err := s.Save(ctx, "sid", session.State{ConsoleAllowed: true}); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	st, err := s.Get(ctx, "sid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !st.ConsoleAllowed {
		t.Error("ConsoleAllowed = false after save")
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSessionRepository_Sweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_ = s.Save(ctx, "a", session.State{ConsoleAllowed: true})
	_ = s.Save(ctx, "b", session.State{})

	sw, ok := s.(session.Sweeper)
	if !ok {
		t.Fatal("sqlite store does not implement session.Sweeper")
	}
	removed, err := sw.Sweep(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed %d fresh sessions", removed)
	}

	removed, err = sw.Sweep(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("swept session still readable: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
