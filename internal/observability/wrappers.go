package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/security"
	"github.com/jkaninda/devconsole/internal/serialize"
	"github.com/jkaninda/devconsole/internal/session"
)

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

// --- InstrumentedGate ---

// GateChecker is the authorization surface the console depends on.
type GateChecker interface {
	CheckIfSecured(ctx context.Context, creds security.Credentials) (bool, error)
	CheckIfSecuredSession(ctx context.Context, sessionID string) (bool, error)
}

// InstrumentedGate wraps a gate with metrics, tracing, and denial anomaly detection.
type InstrumentedGate struct {
	inner   GateChecker
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedGate wraps a gate with observability.
func NewInstrumentedGate(inner GateChecker, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedGate {
	return &InstrumentedGate{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (g *InstrumentedGate) CheckIfSecured(ctx context.Context, creds security.Credentials) (bool, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "security.check_if_secured",
			trace.WithAttributes(
				attribute.String("session.id", creds.SessionID),
				attribute.Bool("security.auth_header", creds.AuthHeader != ""),
			))
		defer span.End()
	}

	ok, err := g.inner.CheckIfSecured(ctx, creds)
	g.record(ctx, "request", ok, err)
	return ok, err
}

func (g *InstrumentedGate) CheckIfSecuredSession(ctx context.Context, sessionID string) (bool, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "security.check_if_secured_session",
			trace.WithAttributes(attribute.String("session.id", sessionID)))
		defer span.End()
	}

	ok, err := g.inner.CheckIfSecuredSession(ctx, sessionID)
	g.record(ctx, "session", ok, err)
	return ok, err
}

func (g *InstrumentedGate) record(ctx context.Context, checkType string, ok bool, err error) {
	result := "allowed"
	switch {
	case err != nil:
		result = "error"
		if g.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case !ok:
		result = "denied"
	}

	if g.metrics != nil {
		g.metrics.SecurityChecksTotal.WithLabelValues(checkType, result).Inc()
	}

	// Only the request check sees the secret, so only it feeds the detector.
	if g.anomaly != nil && checkType == "request" && err == nil {
		if ok {
			g.anomaly.RecordSuccess("gate")
		} else {
			g.anomaly.RecordFailure("gate")
		}
	}
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a runner.CodeRunner with metrics and tracing.
type InstrumentedRunner struct {
	inner   runner.CodeRunner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a code runner with observability.
func NewInstrumentedRunner(inner runner.CodeRunner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	return &InstrumentedRunner{inner: inner, metrics: metrics, tracer: tracerOf(ts)}
}

func (r *InstrumentedRunner) Run(ctx context.Context, code string, env runner.Env) runner.Outcome {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "runner.run",
			trace.WithAttributes(attribute.Int("runner.code_length", len(code))))
		defer span.End()
	}

	start := time.Now()
	out := r.inner.Run(ctx, code, env)
	duration := time.Since(start).Seconds()

	status := "returned"
	if out.Raised {
		status = "raised"
		if he, ok := out.Value.(*runner.HostError); ok && he.Name == "InterruptedError" {
			status = "interrupted"
		}
		if r.tracer != nil {
			trace.SpanFromContext(ctx).SetStatus(codes.Error, "script raised")
		}
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(status).Inc()
		r.metrics.RunDuration.WithLabelValues(status).Observe(duration)
	}
	return out
}

// --- InstrumentedSerializer ---

// InstrumentedSerializer serializes outcomes and counts emitted sentinels.
type InstrumentedSerializer struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSerializer creates a serializer that records sentinel counts.
func NewInstrumentedSerializer(metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSerializer {
	return &InstrumentedSerializer{metrics: metrics, tracer: tracerOf(ts)}
}

func (s *InstrumentedSerializer) Serialize(ctx context.Context, v any, maxDepth int) serialize.Node {
	var span trace.Span
	if s.tracer != nil {
		_, span = s.tracer.Start(ctx, "serializer.serialize",
			trace.WithAttributes(attribute.Int("serializer.max_depth", maxDepth)))
		defer span.End()
	}

	node, stats := serialize.SerializeWithStats(v, maxDepth)

	if span != nil {
		span.SetAttributes(
			attribute.Int("serializer.truncated", stats.Truncated),
			attribute.Int("serializer.cycles", stats.Cycles),
			attribute.Int("serializer.unreadable", stats.Unreadable),
		)
	}
	if s.metrics != nil {
		s.metrics.SerializerSentinelsTotal.WithLabelValues("truncated").Add(float64(stats.Truncated))
		s.metrics.SerializerSentinelsTotal.WithLabelValues("cycle").Add(float64(stats.Cycles))
		s.metrics.SerializerSentinelsTotal.WithLabelValues("unreadable").Add(float64(stats.Unreadable))
	}
	return node
}

// --- InstrumentedSweeper ---

// InstrumentedSweeper counts sessions removed by the janitor.
type InstrumentedSweeper struct {
	inner   session.Sweeper
	metrics *MetricsCollector
}

// NewInstrumentedSweeper wraps a sweeper with metrics.
func NewInstrumentedSweeper(inner session.Sweeper, metrics *MetricsCollector) *InstrumentedSweeper {
	return &InstrumentedSweeper{inner: inner, metrics: metrics}
}

func (s *InstrumentedSweeper) Sweep(ctx context.Context, idleSince time.Time) (int64, error) {
	n, err := s.inner.Sweep(ctx, idleSince)
	if s.metrics != nil && n > 0 {
		s.metrics.SessionsSweptTotal.Add(float64(n))
	}
	return n, err
}

// --- Compile-time interface checks ---

var (
	_ GateChecker       = (*security.Gate)(nil)
	_ GateChecker       = (*InstrumentedGate)(nil)
	_ runner.CodeRunner = (*InstrumentedRunner)(nil)
	_ session.Sweeper   = (*InstrumentedSweeper)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
