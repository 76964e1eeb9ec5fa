package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jkaninda/devconsole/internal/console"
	"github.com/jkaninda/devconsole/internal/session"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MB

// ErrBodyTooLarge is returned when a request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// RequestReader turns an *http.Request into a console.Request. It owns
// the session cookie and the proxy trust decision.
type RequestReader struct {
	Cookies      *session.CookieCodec
	TrustProxy   bool  // Honor X-Forwarded-Proto, X-Forwarded-Host and X-Forwarded-For.
	MaxBodyBytes int64 // 0 = 1 MB.
}

// Read resolves the session (setting the cookie on w for a new one),
// the effective scheme and host, and the code/maxDepth parameters from
// the query string, a form body or a JSON body.
func (rr *RequestReader) Read(w http.ResponseWriter, r *http.Request) (console.Request, error) {
	req := console.Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Host:          r.Host,
		RawQuery:      r.URL.RawQuery,
		Header:        r.Header,
		Secure:        r.TLS != nil,
		RemoteAddr:    remoteIP(r.RemoteAddr),
		CorrelationID: r.Header.Get("X-Request-ID"),
	}
	if rr.TrustProxy {
		if proto := firstValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			req.Secure = strings.EqualFold(proto, "https")
		}
		if host := firstValue(r.Header.Get("X-Forwarded-Host")); host != "" {
			req.Host = host
		}
		if ip := firstValue(r.Header.Get("X-Forwarded-For")); ip != "" {
			req.RemoteAddr = ip
		}
	}

	id, fresh := rr.Cookies.FromRequest(r)
	if fresh {
		ck, err := rr.Cookies.Cookie(id)
		if err != nil {
			return req, fmt.Errorf("issuing session cookie: %w", err)
		}
		http.SetCookie(w, ck)
	}
	req.SessionID = id

	params, err := rr.params(w, r)
	if err != nil {
		return req, err
	}
	req.Params = params
	return req, nil
}

func (rr *RequestReader) params(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return r.URL.Query(), nil
	}
	limit := rr.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		return jsonParams(r)
	}
	if err := r.ParseForm(); err != nil {
		return nil, bodyError(err)
	}
	return r.Form, nil
}

// jsonParams reads {"code": "...", "maxDepth": n}. maxDepth may be a
// number or a numeric string; the query string fills in absent keys.
func jsonParams(r *http.Request) (url.Values, error) {
	var body struct {
		Code     *string         `json:"code"`
		MaxDepth json.RawMessage `json:"maxDepth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, bodyError(err)
	}
	params := r.URL.Query()
	if body.Code != nil {
		params.Set("code", *body.Code)
	}
	if raw, ok := DepthParam(body.MaxDepth); ok {
		params.Set("maxDepth", raw)
	}
	return params, nil
}

// DepthParam renders a JSON maxDepth (number or string) as a form value.
// ok is false when the field is absent or null.
func DepthParam(v json.RawMessage) (raw string, ok bool) {
	if len(v) == 0 || string(v) == "null" {
		return "", false
	}
	raw = string(v)
	if s, err := strconv.Unquote(raw); err == nil {
		raw = s
	}
	return raw, true
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrBodyTooLarge
	}
	return fmt.Errorf("reading request body: %w", err)
}

// WriteResponse writes resp to w. A zero Status leaves the transport
// default; a nil Body writes nothing.
func WriteResponse(w http.ResponseWriter, resp console.Response) {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = v
	}
	if resp.Status != 0 {
		w.WriteHeader(resp.Status)
	}
	if resp.Body != nil {
		_, _ = w.Write(resp.Body)
	}
}

// WriteReadError answers a request that could not be translated.
func WriteReadError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrBodyTooLarge) {
		WriteResponse(w, console.ErrorResponse(http.StatusRequestEntityTooLarge, err.Error()))
		return
	}
	WriteResponse(w, console.ErrorResponse(http.StatusBadRequest, "malformed request"))
}

func firstValue(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
