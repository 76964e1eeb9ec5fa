package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/devconsole/internal/config"
	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/security"
	"github.com/jkaninda/devconsole/internal/serialize"
	"github.com/jkaninda/devconsole/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(context.Background(), nil, "test", nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.Enabled() {
		t.Error("nil Observability reports enabled")
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	// Wrappers pass components through untouched.
	g := security.NewGate(nil, "s", discardLogger())
	if got := obs.WrapGate(g); got != GateChecker(g) {
		t.Error("WrapGate on nil Observability wrapped the gate")
	}
	obs.AddReadyCheck("noop", func(context.Context) error { return nil })
	if n := obs.Serializer().Serialize(context.Background(), 7, 3); n.Kind != serialize.NodePrimitive {
		t.Errorf("Serializer() produced %v", n.Kind)
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{}, "test", nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(context.Background(), &config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, DenialRateThreshold: 0.5},
	}, "test", discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics not created")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detector not created")
	}
	if !obs.Enabled() {
		t.Error("Enabled() = false")
	}
	if _, ok := obs.WrapGate(security.NewGate(nil, "s", discardLogger())).(*InstrumentedGate); !ok {
		t.Error("WrapGate did not instrument the gate")
	}
	// No tracer and metrics on: the runner is wrapped.
	if _, ok := obs.WrapRunner(runner.NewJSRunner(runner.JSConfig{})).(*InstrumentedRunner); !ok {
		t.Error("WrapRunner did not instrument the runner")
	}
}

func TestTracer_NilSetupIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "x")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vec metrics only appear in Gather after first use.
	m.SecurityChecksTotal.WithLabelValues("request", "allowed").Inc()
	m.RunsTotal.WithLabelValues("returned").Inc()
	m.SerializerSentinelsTotal.WithLabelValues("cycle").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"devconsole_security_checks_total",
		"devconsole_runner_executions_total",
		"devconsole_serializer_sentinels_total",
		"devconsole_session_swept_total",
		"devconsole_http_requests_total",
		"devconsole_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("session_store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("other", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["session_store"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("session_store check = %+v", got)
	}
	if status.Checks["other"].Status != "ok" {
		t.Errorf("other check = %q, want ok", status.Checks["other"].Status)
	}
}

func TestHealthChecker_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	a, b := make(chan struct{}), make(chan struct{})
	// Each check waits for the other, so sequential execution would time out.
	h.AddCheck("a", func(ctx context.Context) error {
		close(a)
		select {
		case <-b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	h.AddCheck("b", func(ctx context.Context) error {
		close(b)
		select {
		case <-a:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Fatalf("status = %+v", status)
	}
}

func TestHealthChecker_CheckSeesDeadline(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %+v", status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	if a.RecordFailure("gate") {
		t.Error("nil detector flagged an anomaly")
	}
	a.RecordSuccess("gate")
}

func TestAnomalyDetector_DenialRate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:             true,
		DenialRateThreshold: 0.5,
		WindowSeconds:       60,
		MinSamples:          10,
	}, discardLogger())
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("gate")
	}
	for i := 0; i < 5; i++ {
		if a.RecordFailure("gate") {
			t.Fatalf("flagged after %d failures with too few samples", i+1)
		}
	}
	// 6 of 10 denied.
	if !a.RecordFailure("gate") {
		t.Fatal("expected anomaly at 60% denial rate")
	}

	// Everything ages out of the window.
	now = now.Add(2 * time.Minute)
	if a.RecordFailure("gate") {
		t.Fatal("stale samples still counted")
	}
}

// --- InstrumentedGate ---

func TestInstrumentedGate_CountsDecisions(t *testing.T) {
	metrics := NewMetricsCollector()
	gate := security.NewGate(session.NewMemoryStore(), "", discardLogger())
	g := NewInstrumentedGate(gate, metrics, nil, nil)
	ctx := context.Background()

	if ok, _ := g.CheckIfSecured(ctx, security.Credentials{SessionID: "s"}); ok {
		t.Fatal("unexpected allow")
	}
	if ok, _ := g.CheckIfSecured(ctx, security.Credentials{SessionID: "s", AuthHeader: "1"}); !ok {
		t.Fatal("unexpected deny")
	}
	if ok, _ := g.CheckIfSecuredSession(ctx, "s"); !ok {
		t.Fatal("session not marked allowed")
	}

	reg := metrics.Registry
	if v := counterValue(t, reg, "devconsole_security_checks_total", prometheus.Labels{"check_type": "request", "result": "denied"}); v != 1 {
		t.Errorf("denied = %v, want 1", v)
	}
	if v := counterValue(t, reg, "devconsole_security_checks_total", prometheus.Labels{"check_type": "request", "result": "allowed"}); v != 1 {
		t.Errorf("allowed = %v, want 1", v)
	}
	if v := counterValue(t, reg, "devconsole_security_checks_total", prometheus.Labels{"check_type": "session", "result": "allowed"}); v != 1 {
		t.Errorf("session allowed = %v, want 1", v)
	}
}

type errGate struct{}

func (errGate) CheckIfSecured(context.Context, security.Credentials) (bool, error) {
	return false, errors.New("store down")
}
func (errGate) CheckIfSecuredSession(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func TestInstrumentedGate_ErrorsAreNotDenials(t *testing.T) {
	metrics := NewMetricsCollector()
	a := NewAnomalyDetector(&config.AnomalyConfig{DenialRateThreshold: 0.1, MinSamples: 1}, discardLogger())
	g := NewInstrumentedGate(errGate{}, metrics, nil, a)

	if _, err := g.CheckIfSecured(context.Background(), security.Credentials{}); err == nil {
		t.Fatal("error swallowed")
	}
	if v := counterValue(t, metrics.Registry, "devconsole_security_checks_total", prometheus.Labels{"check_type": "request", "result": "error"}); v != 1 {
		t.Errorf("error count = %v, want 1", v)
	}
	if w := a.failures["gate"]; w != nil && len(w.stamps) > 0 {
		t.Errorf("store error recorded as denial (%d)", len(w.stamps))
	}
}

// --- InstrumentedRunner ---

func TestInstrumentedRunner_Statuses(t *testing.T) {
	metrics := NewMetricsCollector()
	outcomes := []runner.Outcome{
		runner.Returned(1),
		runner.Raised("boom"),
		runner.Raised(&runner.HostError{Name: "InterruptedError", Message: "execution timed out"}),
	}
	for _, out := range outcomes {
		r := NewInstrumentedRunner(runner.CodeRunnerFunc(func(context.Context, string, runner.Env) runner.Outcome {
			return out
		}), metrics, nil)
		if got := r.Run(context.Background(), "x", runner.Env{}); got != out {
			t.Fatalf("outcome changed: %+v", got)
		}
	}
	for _, status := range []string{"returned", "raised", "interrupted"} {
		if v := counterValue(t, metrics.Registry, "devconsole_runner_executions_total", prometheus.Labels{"status": status}); v != 1 {
			t.Errorf("%s = %v, want 1", status, v)
		}
	}
}

func TestInstrumentedRunner_NilMetrics(t *testing.T) {
	r := NewInstrumentedRunner(runner.CodeRunnerFunc(func(context.Context, string, runner.Env) runner.Outcome {
		return runner.Returned("ok")
	}), nil, nil)
	if out := r.Run(context.Background(), "", runner.Env{}); out.Value != "ok" {
		t.Fatalf("Value = %v", out.Value)
	}
}

// --- InstrumentedSerializer ---

func TestInstrumentedSerializer_CountsSentinels(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewInstrumentedSerializer(metrics, nil)

	self := map[string]any{}
	self["self"] = self
	v := map[string]any{
		"deep": map[string]any{"a": map[string]any{"b": 1}},
		"loop": self,
	}

	node := s.Serialize(context.Background(), v, 2)
	if node.Kind != serialize.NodeMapping {
		t.Fatalf("root kind = %v", node.Kind)
	}
	if v := counterValue(t, metrics.Registry, "devconsole_serializer_sentinels_total", prometheus.Labels{"kind": "truncated"}); v != 1 {
		t.Errorf("truncated = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "devconsole_serializer_sentinels_total", prometheus.Labels{"kind": "cycle"}); v != 1 {
		t.Errorf("cycles = %v, want 1", v)
	}
}

// --- InstrumentedSweeper ---

func TestInstrumentedSweeper(t *testing.T) {
	metrics := NewMetricsCollector()
	store := session.NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, "a", session.State{})
	_ = store.Save(ctx, "b", session.State{})

	n, err := NewInstrumentedSweeper(store, metrics).Sweep(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if v := counterValue(t, metrics.Registry, "devconsole_session_swept_total", nil); v != 2 {
		t.Errorf("swept_total = %v, want 2", v)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte("no"))
	}))

	req := httptest.NewRequest("GET", "/console/run", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "devconsole_http_requests_total", prometheus.Labels{"method": "GET", "path": "/console/run", "status_code": "405"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOKAndStaticRoute(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))

	for _, p := range []string{"/console/static/console.js", "/console/static/console.css"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, nil))
	}
	val := counterValue(t, metrics.Registry, "devconsole_http_requests_total", prometheus.Labels{"path": "/console/static/*", "status_code": "200"})
	if val != 2 {
		t.Errorf("static requests = %v, want 2", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHTTPMetricsMiddleware_JoinsIncomingTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	handler := HTTPMetricsMiddleware(nil, tp.Tracer("test"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("POST", "/console/run", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	sp := spans[0]
	if got := sp.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
	if got := sp.Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span id = %s", got)
	}
	if sp.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v", sp.SpanKind())
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
