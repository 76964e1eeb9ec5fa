package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/devconsole/internal/config"
)

// AnomalyDetector flags bursts of failures using per-key sliding windows.
// The gate feeds it denials so repeated secret guessing shows up in the logs.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	window    time.Duration
	threshold float64
	minSample int
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	stamps []time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 300 * time.Second
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	minSample := cfg.MinSamples
	if minSample <= 0 {
		minSample = 10
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		window:    window,
		threshold: cfg.DenialRateThreshold,
		minSample: minSample,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordFailure records a failed operation and reports whether the failure
// rate for key now exceeds the threshold.
func (a *AnomalyDetector) RecordFailure(key string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	windowFor(a.failures, key).add(now, a.window)
	return a.check(key, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(key string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	windowFor(a.successes, key).add(a.now(), a.window)
}

// check must be called with a.mu held.
func (a *AnomalyDetector) check(key string, now time.Time) bool {
	if a.threshold <= 0 {
		return false
	}
	failed := float64(windowFor(a.failures, key).count(now, a.window))
	total := failed + float64(windowFor(a.successes, key).count(now, a.window))
	if total < float64(a.minSample) {
		return false
	}

	rate := failed / total
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high denial rate",
			slog.String("key", key),
			slog.Float64("denial_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", int(total)),
		)
	}
	return true
}

func windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, window time.Duration) {
	w.stamps = append(w.stamps, now)
	w.prune(now, window)
}

func (w *slidingWindow) count(now time.Time, window time.Duration) int {
	w.prune(now, window)
	return len(w.stamps)
}

// prune drops entries older than the window. Stamps are appended in order.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
