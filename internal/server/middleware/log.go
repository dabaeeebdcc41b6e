package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	githubEventHeader    = "X-GitHub-Event"
	githubDeliveryHeader = "X-GitHub-Delivery"
)

// LogMiddleware writes one entry per request, at warn level for 4xx and
// error level for 5xx. Bodies are never logged since webhook payloads may
// carry private repository data.
func LogMiddleware(logger *zap.SugaredLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []any{
				"method", r.Method,
				"uri", r.RequestURI,
				"status", status,
				"size", ww.BytesWritten(),
				"duration", time.Since(start),
			}
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				fields = append(fields, "route", rc.RoutePattern())
			}
			if ev := r.Header.Get(githubEventHeader); ev != "" {
				fields = append(fields, "event", ev, "delivery", r.Header.Get(githubDeliveryHeader))
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.Errorw("request", fields...)
			case status >= http.StatusBadRequest:
				logger.Warnw("request", fields...)
			default:
				logger.Infow("request", fields...)
			}
		})
	}
}
