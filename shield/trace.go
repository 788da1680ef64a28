package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/readtheroom/idgen"
	"github.com/hazyhaar/readtheroom/kit"
)

var newRequestID = idgen.NanoID(8)

// RequestID tags each request with an id (kit.RequestIDKey, X-Request-ID
// header), its remote address, and a logger carrying both.
func RequestID(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := newRequestID()
			w.Header().Set("X-Request-ID", id)

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger returns the per-request logger, or slog.Default().
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
