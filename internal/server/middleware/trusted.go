// internal/middleware/trusted.go
package middleware

import (
	"fmt"
	"net"
	"net/http"
)

// TrustedCIDR only lets through clients inside cidr. The client address is
// taken from X-Real-IP when a proxy sets it, else from the connection.
// An empty cidr disables the check.
func TrustedCIDR(cidr string) (func(http.Handler) http.Handler, error) {
	var ipnet *net.IPNet
	if cidr != "" {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted subnet: %w", err)
		}
		ipnet = n
	}

	return func(next http.Handler) http.Handler {
		// пусто, без ограничений
		if ipnet == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if ip == nil || !ipnet.Contains(ip) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func clientIP(r *http.Request) net.IP {
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return net.ParseIP(xrip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
