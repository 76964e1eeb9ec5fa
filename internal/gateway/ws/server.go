// Package ws implements the console's websocket channel. A session that
// is already authorized for the console can keep one connection open and
// send code frames instead of posting each run.
//
// Every frame goes through the same Run controller as the HTTP endpoint,
// so the session is re-checked, production instances refuse, and the
// rate limiter and audit log apply per frame.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/devconsole/internal/console"
	"github.com/jkaninda/devconsole/internal/gateway"
)

// Subprotocol is negotiated on upgrade.
const Subprotocol = "devconsole-v1"

const (
	defaultReadLimit    = 1 << 20
	defaultPingInterval = 30 * time.Second
)

// Config configures the websocket channel.
type Config struct {
	OriginPatterns []string      // Extra allowed origins; same-origin is always allowed.
	ReadLimit      int64         // Maximum frame size in bytes. 0 = 1 MB.
	PingInterval   time.Duration // 0 = 30s; negative disables pings.
}

// Frame is one execution request from the client.
type Frame struct {
	ID       string          `json:"id,omitempty"`
	Code     string          `json:"code"`
	MaxDepth json.RawMessage `json:"maxDepth,omitempty"`
}

// Reply answers one Frame with the status and body the HTTP endpoint
// would have produced.
type Reply struct {
	ID     string          `json:"id,omitempty"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Server upgrades authorized sessions and serves code frames.
type Server struct {
	console *console.Console
	reader  *gateway.RequestReader
	cfg     Config
	logger  *slog.Logger
}

// NewServer creates a websocket server in front of c. reader must be the
// one used by the HTTP gateway so both resolve the same session.
func NewServer(c *console.Console, reader *gateway.RequestReader, cfg Config, logger *slog.Logger) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{console: c, reader: reader, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to websocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	req, err := s.reader.Read(w, r)
	if err != nil {
		gateway.WriteReadError(w, err)
		return
	}

	allowed, err := s.console.Gate().CheckIfSecuredSession(r.Context(), req.SessionID)
	if err != nil {
		s.logger.Error("websocket session lookup failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		gateway.WriteResponse(w, console.ErrorResponse(http.StatusInternalServerError, console.MsgStoreUnavailable))
		return
	}
	if !allowed {
		gateway.WriteResponse(w, console.ErrorResponse(http.StatusMethodNotAllowed, console.MsgNotSecure))
		return
	}
	if s.console.Production() {
		gateway.WriteResponse(w, console.ErrorResponse(http.StatusForbidden, console.MsgProduction))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.logger.Info("console websocket connected", slog.String("session_id", req.SessionID))
	s.handleConnection(r.Context(), conn, req)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, base console.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	if s.cfg.PingInterval > 0 {
		go s.pingLoop(ctx, conn, base.SessionID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logClosed(base.SessionID, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			if err := wsjson.Write(ctx, conn, errorReply("", http.StatusBadRequest, "malformed frame")); err != nil {
				s.logClosed(base.SessionID, err)
				return
			}
			continue
		}

		resp := s.console.Run(ctx, frameRequest(base, f))
		if err := wsjson.Write(ctx, conn, replyFor(f.ID, resp)); err != nil {
			s.logClosed(base.SessionID, err)
			return
		}
		if resp.Status == http.StatusMethodNotAllowed || resp.Status == http.StatusForbidden {
			conn.Close(websocket.StatusPolicyViolation, "console no longer available")
			return
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				s.logger.Debug("websocket ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) logClosed(sessionID string, err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		s.logger.Info("console websocket disconnected", slog.String("session_id", sessionID))
		return
	}
	s.logger.Warn("console websocket error",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
}

// frameRequest derives a run request from the upgrade request and a frame.
func frameRequest(base console.Request, f Frame) console.Request {
	req := base
	req.Method = http.MethodPost
	req.CorrelationID = ""
	req.Params = url.Values{"code": {f.Code}}
	if raw, ok := gateway.DepthParam(f.MaxDepth); ok {
		req.Params.Set("maxDepth", raw)
	}
	return req
}

func replyFor(id string, resp console.Response) Reply {
	status := resp.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	return Reply{ID: id, Status: status, Body: resp.Body}
}

func errorReply(id string, status int, message string) Reply {
	return replyFor(id, console.ErrorResponse(status, message))
}
