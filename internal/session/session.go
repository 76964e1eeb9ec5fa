// Package session owns the per-session authorization state of the dev console.
//
// The console only ever sets the flag; nothing here clears it. Stores may
// forget idle sessions, which returns them to the unauthorized default.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Get for an unknown session.
var ErrNotFound = errors.New("session not found")

// State is the console-relevant state of one session.
type State struct {
	ConsoleAllowed bool `json:"console_allowed"`
}

// Store persists session state keyed by session ID. Writes to the same
// session are last-write-wins.
type Store interface {
	Get(ctx context.Context, id string) (State, error)
	Save(ctx context.Context, id string, st State) error
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by stores that expire sessions by scanning
// rather than through native TTLs.
type Sweeper interface {
	Sweep(ctx context.Context, idleSince time.Time) (int64, error)
}

// Lookup reads the state of id, treating an unknown session as the zero State.
func Lookup(ctx context.Context, s Store, id string) (State, error) {
	st, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return State{}, nil
	}
	return st, err
}

// MemoryStore is an in-process Store. Suitable for a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

type memoryEntry struct {
	state   State
	touched time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return State{}, ErrNotFound
	}
	e.touched = m.now()
	m.sessions[id] = e
	return e.state, nil
}

func (m *MemoryStore) Save(_ context.Context, id string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = memoryEntry{state: st, touched: m.now()}
	return nil
}

// Sweep drops sessions not touched since idleSince.
func (m *MemoryStore) Sweep(_ context.Context, idleSince time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.sessions {
		if e.touched.Before(idleSince) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
