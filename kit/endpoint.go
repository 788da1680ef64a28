// Package kit carries the transport-neutral glue shared by readtheroom's
// surfaces: an Endpoint signature that the panel exposes over HTTP and MCP
// alike, middleware around it, and the context keys that tell a handler
// which execution context a request came from.
package kit

import "context"

// Endpoint is one operation, independent of how it is reached.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
