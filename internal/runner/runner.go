// Package runner executes console code strings and captures their outcome.
//
// The Host owns timing and panic containment; the language itself is a
// pluggable CodeRunner so the pipeline can be exercised with fakes.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/devconsole/internal/serialize"
)

// RequestInfo is the read-only view of the triggering request exposed to scripts.
type RequestInfo struct {
	Method    string
	Path      string
	RawQuery  string
	Headers   map[string]string
	Secure    bool
	SessionID string
}

// SessionBinding gives a script access to the authorization flag of its session.
type SessionBinding interface {
	ConsoleAllowed() bool
	SetConsoleAllowed(allowed bool)
}

// Env is the ambient state handed to one execution.
type Env struct {
	Request RequestInfo
	Session SessionBinding
}

// Outcome is either a returned value or a raised one. Both are serialized
// the same way.
type Outcome struct {
	Value  any
	Raised bool
}

// Returned wraps a normal completion value.
func Returned(v any) Outcome { return Outcome{Value: v} }

// Raised wraps a thrown value.
func Raised(v any) Outcome { return Outcome{Value: v, Raised: true} }

// CodeRunner compiles and runs code. Implementations must not panic for
// script-level failures; those are reported as Raised outcomes.
type CodeRunner interface {
	Run(ctx context.Context, code string, env Env) Outcome
}

// CodeRunnerFunc adapts a function to CodeRunner.
type CodeRunnerFunc func(ctx context.Context, code string, env Env) Outcome

func (f CodeRunnerFunc) Run(ctx context.Context, code string, env Env) Outcome {
	return f(ctx, code, env)
}

// Result is an Outcome together with the wall-clock time spent producing it.
type Result struct {
	Outcome
	Elapsed time.Duration
}

// Host runs code through a CodeRunner and measures it.
type Host struct {
	runner CodeRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewHost creates a Host around runner.
func NewHost(runner CodeRunner, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{runner: runner, logger: logger, now: time.Now}
}

// Execute runs code and never panics: a runner panic becomes a Raised
// InternalError outcome.
func (h *Host) Execute(ctx context.Context, code string, env Env) (res Result) {
	start := h.now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("code runner panicked",
				slog.String("session_id", env.Request.SessionID),
				slog.Any("panic", r),
			)
			res = Result{
				Outcome: Raised(&HostError{Name: "InternalError", Message: fmt.Sprint(r)}),
				Elapsed: h.now().Sub(start),
			}
		}
	}()

	out := h.runner.Run(ctx, code, env)
	return Result{Outcome: out, Elapsed: h.now().Sub(start)}
}

// HostError is raised by the host itself rather than by the script,
// for example when execution is interrupted.
type HostError struct {
	Name    string
	Message string
}

func (e *HostError) Error() string { return e.Name + ": " + e.Message }

// Shape renders the error with its own name rather than the Go type name.
func (e *HostError) Shape() serialize.Shape {
	return serialize.Shape{Kind: serialize.KindError, Name: e.Name, Text: e.Message}
}
