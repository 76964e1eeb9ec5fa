// Package gateway holds what the console's network entry points share:
// the lifecycle interface and the translation between net/http and the
// transport-independent console.Request/Response.
package gateway

import "context"

// Gateway is a network entry point (HTTP, websocket).
type Gateway interface {
	// Start launches the gateway and blocks until it exits or the context
	// is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}
