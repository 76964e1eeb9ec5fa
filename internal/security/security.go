// Package security implements the dev console's authorization gate,
// response hardening headers and audit logging.
//
// Core invariant: the console flag of a session is only ever set here
// (or by a script that flips it); nothing in the console clears it.
package security

import "time"

// AuthHeader is the request header whose presence authorizes a session.
const AuthHeader = "x-is-authorization"

// DefaultSecret is used when no secret is configured.
const DefaultSecret = "MY_SECRET"

// Credentials carries the parts of a request the gate inspects.
type Credentials struct {
	SessionID  string
	AuthHeader string // Value of the x-is-authorization header.
	RawQuery   string
}

// Decision records how a gate check was resolved.
type Decision string

const (
	DecisionHeader  Decision = "header"
	DecisionSecret  Decision = "secret"
	DecisionSession Decision = "session"
	DecisionDenied  Decision = "denied"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id"`
	RemoteAddr    string         `json:"remote_addr,omitempty"`
	Action        string         `json:"action"` // "show" or "run"
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        string         `json:"result"` // "success", "raised", "denied", "forbidden", "rate_limited"
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}
