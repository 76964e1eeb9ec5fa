// Package console implements the dev console controllers.
//
// Show and Run are pure with respect to I/O: they take a Request
// description and return a Response description. The HTTP and websocket
// adapters do the actual reading and writing.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/devconsole/internal/ratelimit"
	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/security"
	"github.com/jkaninda/devconsole/internal/session"
)

// Request is the transport-independent view of one console request.
type Request struct {
	Method        string
	Path          string
	Host          string
	RawQuery      string
	Header        http.Header
	Params        url.Values // code and maxDepth, from the query, form or JSON body.
	Secure        bool       // Served over TLS, directly or behind a trusted proxy.
	SessionID     string
	RemoteAddr    string
	CorrelationID string
}

// Response describes what the adapter should write. Status 0 means the
// transport default; a nil Body means nothing is written.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Authorizer is the gate surface the controllers depend on.
type Authorizer interface {
	CheckIfSecured(ctx context.Context, creds security.Credentials) (bool, error)
	CheckIfSecuredSession(ctx context.Context, sessionID string) (bool, error)
}

// Limiter throttles runs per session.
type Limiter interface {
	Allow(sessionID string) error
}

// Options configures paths and request handling.
type Options struct {
	ShowPath   string // Default: "/console/show"
	RunPath    string // Default: "/console/run"
	WSPath     string // Empty = websocket channel not advertised.
	StaticPath string // Default: "/console/static/"
	HomeURL    string // Redirect target on production instances. Default: "/"
	Production bool
	Strict     bool // Answer malformed runs with 400 instead of an empty reply.
	Limits     Limits
}

func (o *Options) setDefaults() {
	if o.ShowPath == "" {
		o.ShowPath = "/console/show"
	}
	if o.RunPath == "" {
		o.RunPath = "/console/run"
	}
	if o.StaticPath == "" {
		o.StaticPath = "/console/static/"
	}
	if o.HomeURL == "" {
		o.HomeURL = "/"
	}
	if o.Limits.DefaultMaxDepth == 0 {
		o.Limits.DefaultMaxDepth = 3
	}
}

// Console holds the collaborators of the Show and Run controllers.
type Console struct {
	gate       Authorizer
	store      session.Store
	pipeline   Pipeline
	limiter    Limiter
	auditor    security.Auditor
	renderer   *Renderer
	opts       Options
	production atomic.Bool
	logger     *slog.Logger
}

// New creates a Console. limiter and auditor may be nil.
func New(gate Authorizer, store session.Store, pipeline Pipeline, opts Options, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	opts.setDefaults()
	c := &Console{
		gate:     gate,
		store:    store,
		pipeline: pipeline,
		auditor:  security.NopAuditor{},
		renderer: MustRenderer(),
		opts:     opts,
		logger:   logger,
	}
	c.production.Store(opts.Production)
	return c
}

// WithLimiter attaches a per-session rate limiter to runs.
func (c *Console) WithLimiter(l Limiter) *Console {
	c.limiter = l
	return c
}

// WithAuditor records every show and run in an audit log.
func (c *Console) WithAuditor(a security.Auditor) *Console {
	if a != nil {
		c.auditor = a
	}
	return c
}

// SetProduction flips the instance type. Safe to call while serving.
func (c *Console) SetProduction(production bool) {
	c.production.Store(production)
}

// Production reports whether the instance is flagged as production.
func (c *Console) Production() bool {
	return c.production.Load()
}

// Options returns the effective options.
func (c *Console) Options() Options {
	o := c.opts
	o.Production = c.Production()
	return o
}

// Show authorizes the request and renders the console page.
func (c *Console) Show(ctx context.Context, req Request) Response {
	req = withCorrelationID(req)
	start := time.Now()

	allowed, err := c.authorize(ctx, req)
	if err != nil {
		return c.storeFailure(ctx, req, "show", err)
	}
	if !allowed {
		c.audit(ctx, req, "show", "denied", start, nil, "")
		return ErrorResponse(http.StatusMethodNotAllowed, MsgNotSecure)
	}

	if !req.Secure {
		return redirect(httpsURL(req.Host, c.opts.ShowPath))
	}
	if c.Production() {
		c.audit(ctx, req, "show", "forbidden", start, nil, "")
		return redirect(c.homeURL(req.Host))
	}

	page := ShowData{
		RunURL:    httpsURL(req.Host, c.opts.RunPath),
		StaticURL: c.opts.StaticPath,
		MaxDepth:  c.opts.Limits.DefaultMaxDepth,
	}
	if c.opts.WSPath != "" {
		page.WSURL = (&url.URL{Scheme: "wss", Host: req.Host, Path: c.opts.WSPath}).String()
	}
	body, err := c.renderer.Render(page)
	if err != nil {
		c.logger.ErrorContext(ctx, "rendering console page",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("error", err.Error()),
		)
		return ErrorResponse(http.StatusInternalServerError, "internal error")
	}

	c.audit(ctx, req, "show", "success", start, nil, "")
	resp := newResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.Body = body
	return resp
}

// Run executes the posted code for an authorized session.
func (c *Console) Run(ctx context.Context, req Request) Response {
	req = withCorrelationID(req)
	start := time.Now()

	if req.Method != http.MethodPost {
		return ErrorResponse(http.StatusMethodNotAllowed, MsgMethodNotAllowed)
	}

	allowed, err := c.gate.CheckIfSecuredSession(ctx, req.SessionID)
	if err != nil {
		return c.storeFailure(ctx, req, "run", err)
	}
	if !allowed {
		c.audit(ctx, req, "run", "denied", start, nil, "")
		return ErrorResponse(http.StatusMethodNotAllowed, MsgNotSecure)
	}

	if c.Production() {
		c.audit(ctx, req, "run", "forbidden", start, nil, "")
		return ErrorResponse(http.StatusForbidden, MsgProduction)
	}

	exec, ok := ParseExecutionRequest(req.Params, c.opts.Limits)
	if !ok {
		if c.opts.Strict {
			return ErrorResponse(http.StatusBadRequest, MsgMissingParams)
		}
		return newResponse(0)
	}

	if c.limiter != nil {
		if err := c.limiter.Allow(req.SessionID); err != nil {
			c.audit(ctx, req, "run", "rate_limited", start, nil, "")
			resp := ErrorResponse(http.StatusTooManyRequests, MsgRateLimited)
			var le *ratelimit.LimitError
			if errors.As(err, &le) {
				resp.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(le.RetryAfter.Seconds()))))
			}
			return resp
		}
	}

	env, err := c.BindEnv(ctx, req)
	if err != nil {
		return c.storeFailure(ctx, req, "run", err)
	}
	envelope, res := c.pipeline.Evaluate(ctx, exec, env.Env)
	if err := env.Flush(ctx); err != nil {
		return c.storeFailure(ctx, req, "run", err)
	}

	result := "success"
	if res.Raised {
		result = "raised"
	}
	c.audit(ctx, req, "run", result, start, map[string]any{
		"code_length": len(exec.Code),
		"max_depth":   exec.MaxDepth,
	}, "")
	c.logger.InfoContext(ctx, "console code executed",
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", req.CorrelationID),
		slog.Bool("raised", res.Raised),
		slog.Int64("execution_ms", envelope.ExecutionTime),
	)
	return jsonResponse(http.StatusOK, envelope)
}

// BoundEnv is a runner environment whose session flag is written back by Flush.
type BoundEnv struct {
	runner.Env
	binding *session.Binding
	store   session.Store
}

// Flush saves the session flag if the script changed it.
func (e BoundEnv) Flush(ctx context.Context) error {
	return e.binding.Flush(ctx, e.store)
}

// BindEnv loads the request's session and builds the script environment.
func (c *Console) BindEnv(ctx context.Context, req Request) (BoundEnv, error) {
	b, err := session.Bind(ctx, c.store, req.SessionID)
	if err != nil {
		return BoundEnv{}, err
	}
	return BoundEnv{
		Env: runner.Env{
			Request: runner.RequestInfo{
				Method:    req.Method,
				Path:      req.Path,
				RawQuery:  req.RawQuery,
				Headers:   flattenHeader(req.Header),
				Secure:    req.Secure,
				SessionID: req.SessionID,
			},
			Session: b,
		},
		binding: b,
		store:   c.store,
	}, nil
}

// Pipeline returns the execution pipeline shared with other channels.
func (c *Console) Pipeline() Pipeline {
	return c.pipeline
}

// Gate returns the authorizer used by the controllers.
func (c *Console) Gate() Authorizer {
	return c.gate
}

func (c *Console) authorize(ctx context.Context, req Request) (bool, error) {
	ok, err := c.gate.CheckIfSecured(ctx, security.Credentials{
		SessionID:  req.SessionID,
		AuthHeader: req.Header.Get(security.AuthHeader),
		RawQuery:   req.RawQuery,
	})
	if err != nil || ok {
		return ok, err
	}
	return c.gate.CheckIfSecuredSession(ctx, req.SessionID)
}

func (c *Console) homeURL(host string) string {
	if strings.HasPrefix(c.opts.HomeURL, "/") {
		return httpsURL(host, c.opts.HomeURL)
	}
	return c.opts.HomeURL
}

func (c *Console) storeFailure(ctx context.Context, req Request, action string, err error) Response {
	c.logger.ErrorContext(ctx, "session store failure",
		slog.String("action", action),
		slog.String("session_id", req.SessionID),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("error", err.Error()),
	)
	c.audit(ctx, req, action, "error", time.Time{}, nil, err.Error())
	return ErrorResponse(http.StatusInternalServerError, MsgStoreUnavailable)
}

func (c *Console) audit(ctx context.Context, req Request, action, result string, start time.Time, params map[string]any, errMsg string) {
	ev := security.AuditEvent{
		CorrelationID: req.CorrelationID,
		SessionID:     req.SessionID,
		RemoteAddr:    req.RemoteAddr,
		Action:        action,
		Parameters:    params,
		Result:        result,
		Error:         errMsg,
	}
	if !start.IsZero() {
		ev.DurationMS = time.Since(start).Milliseconds()
	}
	if err := c.auditor.LogAction(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
	}
}

func withCorrelationID(req Request) Request {
	if req.CorrelationID == "" {
		req.CorrelationID = newCorrelationID()
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return req
}

func newCorrelationID() string {
	return uuid.New().String()
}

func newResponse(status int) Response {
	h := http.Header{}
	security.ApplyHeaders(h)
	return Response{Status: status, Header: h}
}

func redirect(location string) Response {
	resp := newResponse(http.StatusFound)
	resp.Header.Set("Location", location)
	return resp
}

func jsonResponse(status int, v any) Response {
	resp := newResponse(status)
	body, err := json.Marshal(v)
	if err != nil {
		resp.Status = http.StatusInternalServerError
		body = []byte(`{"error":true,"message":"encoding response"}`)
	}
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}

// ErrorResponse builds an error envelope with the console headers.
func ErrorResponse(status int, message string) Response {
	return jsonResponse(status, ErrorBody{Error: true, Message: message})
}

func httpsURL(host, path string) string {
	return (&url.URL{Scheme: "https", Host: host, Path: path}).String()
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
