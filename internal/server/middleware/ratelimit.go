package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit drops requests beyond rps with a burst of burst. onDrop, if
// set, is called for every rejected request.
func RateLimit(rps float64, burst int, onDrop func()) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				if onDrop != nil {
					onDrop()
				}
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
