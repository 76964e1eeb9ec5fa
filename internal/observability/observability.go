// Package observability instruments the console pipeline: Prometheus
// metrics, OpenTelemetry spans, readiness checks and a detector for
// bursts of denied gate checks.
//
// Every feature is optional. A nil *Observability is valid and its Wrap
// methods hand back the component they were given.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/devconsole/internal/config"
	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/session"
)

// Observability bundles the enabled features. Metrics, Tracer and Anomaly
// are nil when switched off; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the features enabled in cfg. A nil cfg yields a nil
// *Observability, which every method accepts.
func New(ctx context.Context, cfg *config.ObservabilityConfig, version string, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	o := &Observability{Health: NewHealthChecker(logger)}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		o.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(ctx, cfg.Tracing, version)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		o.Tracer = ts
	}
	return o, nil
}

// Enabled reports whether any recording feature is on.
func (o *Observability) Enabled() bool {
	return o != nil && (o.Metrics != nil || o.Tracer != nil || o.Anomaly != nil)
}

// WrapGate records gate decisions. g is returned as is when nothing records.
func (o *Observability) WrapGate(g GateChecker) GateChecker {
	if !o.Enabled() {
		return g
	}
	return NewInstrumentedGate(g, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapRunner records execution outcomes and durations.
func (o *Observability) WrapRunner(r runner.CodeRunner) runner.CodeRunner {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return r
	}
	return NewInstrumentedRunner(r, o.Metrics, o.Tracer)
}

// Serializer returns a serializer that counts sentinels when metrics are
// on. With nothing enabled it behaves like serialize.SerializeWithStats alone.
func (o *Observability) Serializer() *InstrumentedSerializer {
	if o == nil {
		return NewInstrumentedSerializer(nil, nil)
	}
	return NewInstrumentedSerializer(o.Metrics, o.Tracer)
}

// WrapSweeper counts janitor removals.
func (o *Observability) WrapSweeper(s session.Sweeper) session.Sweeper {
	if o == nil || o.Metrics == nil {
		return s
	}
	return NewInstrumentedSweeper(s, o.Metrics)
}

// AddReadyCheck registers a readiness probe. It is a no-op on a nil receiver.
func (o *Observability) AddReadyCheck(name string, check func(ctx context.Context) error) {
	if o == nil {
		return
	}
	o.Health.AddCheck(name, check)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}
