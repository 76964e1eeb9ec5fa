// Package httpapi serves the dev console over HTTP.
//
// Routes:
//   - GET  {show}        console page, after the authorization gate
//   - POST {run}         code execution for an authorized session
//   - GET  {static}*     embedded page assets
//   - GET  /healthz      liveness, /readyz readiness
//   - GET  /metrics      Prometheus, when a registry is configured
//
// TLS is expected to terminate here or at a trusted reverse proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/devconsole/internal/console"
	"github.com/jkaninda/devconsole/internal/gateway"
	"github.com/jkaninda/devconsole/internal/observability"
	"github.com/jkaninda/devconsole/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.
	TrustProxy     bool   // Trust X-Forwarded-* headers from a reverse proxy.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	console *console.Console
	reader  *gateway.RequestReader
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the websocket channel).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway in front of c.
func NewGateway(cfg Config, c *console.Console, cookies *session.CookieCodec, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		console: c,
		reader: &gateway.RequestReader{
			Cookies:      cookies,
			TrustProxy:   cfg.TrustProxy,
			MaxBodyBytes: cfg.MaxRequestSize,
		},
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// RequestReader returns the reader shared with other channels so they
// resolve sessions and proxies the same way.
func (g *Gateway) RequestReader() *gateway.RequestReader {
	return g.reader
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// runMethods are routed to handleRun. Anything but POST gets the console's
// 405 body and security headers instead of the router's bare 405.
var runMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// registerRoutes mounts the console, observability and extra routes.
func (g *Gateway) registerRoutes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	opts := g.console.Options()
	g.okapi.HandleStd("GET", opts.ShowPath, g.handleShow)
	for _, m := range runMethods {
		g.okapi.HandleStd(m, opts.RunPath, g.handleRun)
	}
	g.okapi.HandleStd("GET", opts.StaticPath+"{file}", console.StaticHandler(opts.StaticPath).ServeHTTP)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()
	opts := g.console.Options()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.String("show", opts.ShowPath),
		slog.String("run", opts.RunPath),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleShow(w http.ResponseWriter, r *http.Request) {
	req, err := g.reader.Read(w, r)
	if err != nil {
		g.readFailed(r, err)
		gateway.WriteReadError(w, err)
		return
	}
	gateway.WriteResponse(w, g.console.Show(r.Context(), req))
}

func (g *Gateway) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := g.reader.Read(w, r)
	if err != nil {
		g.readFailed(r, err)
		gateway.WriteReadError(w, err)
		return
	}
	gateway.WriteResponse(w, g.console.Run(r.Context(), req))
}

func (g *Gateway) readFailed(r *http.Request, err error) {
	g.logger.Warn("unreadable console request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
