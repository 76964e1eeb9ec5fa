package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jkaninda/devconsole/internal/session"
)

// Gate decides whether a console request may proceed. Session state is
// injected so the gate can be tested without a live request.
type Gate struct {
	store  session.Store
	secret atomic.Pointer[string]
	logger *slog.Logger
}

// NewGate creates a gate over store. An empty secret selects DefaultSecret.
func NewGate(store session.Store, secret string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{store: store, logger: logger}
	g.SetSecret(secret)
	return g
}

// SetSecret replaces the shared secret. Safe to call while serving.
func (g *Gate) SetSecret(secret string) {
	if secret == "" {
		secret = DefaultSecret
	}
	g.secret.Store(&secret)
}

// Secret returns the active shared secret.
func (g *Gate) Secret() string {
	return *g.secret.Load()
}

// CheckIfSecured authorizes the request when the auth header is present
// or the raw query string contains the secret. On success the session is
// marked allowed so later requests need neither.
func (g *Gate) CheckIfSecured(ctx context.Context, creds Credentials) (bool, error) {
	d := g.Evaluate(creds)
	if d == DecisionDenied {
		return false, nil
	}
	if err := g.SetSessionAllowed(ctx, creds.SessionID); err != nil {
		return false, err
	}
	g.logger.DebugContext(ctx, "console request authorized",
		slog.String("session_id", creds.SessionID),
		slog.String("decision", string(d)),
	)
	return true, nil
}

// Evaluate applies the header and secret rules without touching the session.
func (g *Gate) Evaluate(creds Credentials) Decision {
	if creds.AuthHeader != "" {
		return DecisionHeader
	}
	if creds.RawQuery != "" && strings.Contains(creds.RawQuery, g.Secret()) {
		return DecisionSecret
	}
	return DecisionDenied
}

// CheckIfSecuredSession reports whether the session was previously authorized.
func (g *Gate) CheckIfSecuredSession(ctx context.Context, sessionID string) (bool, error) {
	st, err := session.Lookup(ctx, g.store, sessionID)
	if err != nil {
		return false, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	return st.ConsoleAllowed, nil
}

// SetSessionAllowed marks the session as authorized.
func (g *Gate) SetSessionAllowed(ctx context.Context, sessionID string) error {
	if err := g.store.Save(ctx, sessionID, session.State{ConsoleAllowed: true}); err != nil {
		return fmt.Errorf("authorizing session %s: %w", sessionID, err)
	}
	return nil
}
