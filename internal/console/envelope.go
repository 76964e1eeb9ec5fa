package console

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/devconsole/internal/runner"
	"github.com/jkaninda/devconsole/internal/serialize"
)

// Envelope is the success body of a run.
type Envelope struct {
	Result        serialize.Node `json:"result"`
	ExecutionTime int64          `json:"executionTime"` // Milliseconds.
}

// ErrorBody is the body of every console error response.
type ErrorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Fixed error messages.
const (
	MsgNotSecure        = "Dev Console is not securely called."
	MsgMethodNotAllowed = "Method Not Allowed"
	MsgProduction       = "Not available on production instance!"
	MsgMissingParams    = "code and maxDepth are required"
	MsgRateLimited      = "rate limit exceeded"
	MsgStoreUnavailable = "session store unavailable"
)

// Assemble builds the envelope for a serialized result. A lone scalar
// (including a sentinel marker) is wrapped in a one-element sequence and
// a null result becomes an empty mapping.
func Assemble(node serialize.Node, elapsed time.Duration) Envelope {
	switch {
	case node.IsNull():
		node = serialize.Mapping()
	case node.Kind != serialize.NodeSequence && node.Kind != serialize.NodeMapping:
		node = serialize.Sequence(node)
	}
	return Envelope{Result: node, ExecutionTime: elapsed.Milliseconds()}
}

// ExecutionRequest is a parsed run request.
type ExecutionRequest struct {
	Code     string
	MaxDepth int
}

// Limits controls how maxDepth is interpreted.
type Limits struct {
	DefaultMaxDepth int // Used when maxDepth is absent.
	MaxDepthLimit   int // Requested depths are clamped to this. 0 = no clamp.
}

// ParseExecutionRequest reads code and maxDepth from params. ok is false
// when code is empty or maxDepth is zero or not a number.
func ParseExecutionRequest(params url.Values, lim Limits) (req ExecutionRequest, ok bool) {
	req.Code = params.Get("code")

	req.MaxDepth = lim.DefaultMaxDepth
	if raw, present := params["maxDepth"]; present && len(raw) > 0 {
		d, err := strconv.Atoi(strings.TrimSpace(raw[0]))
		if err != nil {
			return req, false
		}
		req.MaxDepth = d
	}
	if lim.MaxDepthLimit > 0 && req.MaxDepth > lim.MaxDepthLimit {
		req.MaxDepth = lim.MaxDepthLimit
	}
	return req, req.Code != "" && req.MaxDepth != 0
}

// Serializer turns an outcome value into a bounded tree.
type Serializer interface {
	Serialize(ctx context.Context, v any, maxDepth int) serialize.Node
}

// PlainSerializer calls serialize.Serialize with no instrumentation.
type PlainSerializer struct{}

func (PlainSerializer) Serialize(_ context.Context, v any, maxDepth int) serialize.Node {
	return serialize.Serialize(v, maxDepth)
}

// Executor runs code and reports the timed outcome. *runner.Host implements it.
type Executor interface {
	Execute(ctx context.Context, code string, env runner.Env) runner.Result
}

// Pipeline is execute, serialize, assemble with no authorization.
// The console and the websocket channel run it after the gate; the CLI
// runs it directly.
type Pipeline struct {
	Executor   Executor
	Serializer Serializer
}

// Evaluate runs req and returns the envelope together with the raw result.
func (p Pipeline) Evaluate(ctx context.Context, req ExecutionRequest, env runner.Env) (Envelope, runner.Result) {
	res := p.Executor.Execute(ctx, req.Code, env)
	s := p.Serializer
	if s == nil {
		s = PlainSerializer{}
	}
	node := s.Serialize(ctx, res.Value, req.MaxDepth)
	return Assemble(node, res.Elapsed), res
}
