package kit

import "context"

type contextKey string

const (
	ContextNameKey contextKey = "kit_context_name" // "tab:<page id>", "panel"
	TransportKey   contextKey = "kit_transport"    // "http", "mcp", "bus"
	RequestIDKey   contextKey = "kit_request_id"
	RemoteAddrKey  contextKey = "kit_remote_addr"
)

// WithContextName tags ctx with the execution context issuing the call.
func WithContextName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ContextNameKey, name)
}
func GetContextName(ctx context.Context) string {
	v, _ := ctx.Value(ContextNameKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}
