// Package shield is the HTTP middleware in front of the panel API.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.PanelStack(logger) {
//	    r.Use(mw)
//	}
//
// The panel listens on loopback for the local moderator only; there is no
// rate limiting or account layer.
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// PanelStack returns the middleware for the panel router, outermost first:
// HeadToGet → SecurityHeaders → MaxBody → RequestID.
func PanelStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(64 * 1024),
		RequestID(logger),
	}
}

// HeadToGet converts HEAD requests to GET so routes registered with r.Get
// answer HEAD too. net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
