package session

import (
	"context"
	"fmt"
	"sync"
)

// Binding is a request-scoped view of one session's console flag that
// scripts can read and flip. Changes are written back with Flush.
type Binding struct {
	mu      sync.Mutex
	id      string
	state   State
	initial State
}

// Bind loads the state of id for one request.
func Bind(ctx context.Context, s Store, id string) (*Binding, error) {
	st, err := Lookup(ctx, s, id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return &Binding{id: id, state: st, initial: st}, nil
}

// ID returns the bound session ID.
func (b *Binding) ID() string { return b.id }

func (b *Binding) ConsoleAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.ConsoleAllowed
}

func (b *Binding) SetConsoleAllowed(allowed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsoleAllowed = allowed
}

// Changed reports whether the state differs from what was loaded.
func (b *Binding) Changed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != b.initial
}

// Flush saves the state if it changed.
func (b *Binding) Flush(ctx context.Context, s Store) error {
	if !b.Changed() {
		return nil
	}
	b.mu.Lock()
	st := b.state
	b.mu.Unlock()
	if err := s.Save(ctx, b.id, st); err != nil {
		return fmt.Errorf("saving session %s: %w", b.id, err)
	}
	b.mu.Lock()
	b.initial = st
	b.mu.Unlock()
	return nil
}
