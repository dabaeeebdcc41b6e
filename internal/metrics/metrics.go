// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles prometheus collectors used by the relay.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDurationSec   *prometheus.HistogramVec
	FetchErrors        *prometheus.CounterVec
	PushErrors         *prometheus.CounterVec
	StateValue         *prometheus.GaugeVec
	DigestsSent        prometheus.Counter
	DigestFailures     prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	RequestDurationSec *prometheus.HistogramVec
	RateLimitDropped   prometheus.Counter
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cycles_total",
			Help: "Total number of check cycles by trigger and result.",
		}, []string{"trigger", "result"}),
		CycleDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_cycle_duration_seconds",
			Help:    "Check cycle duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_fetch_errors_total",
			Help: "Total number of failed metric fetches.",
		}, []string{"query"}),
		PushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_push_errors_total",
			Help: "Total number of failed state pushes.",
		}, []string{"key"}),
		StateValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_state_value",
			Help: "Last value pushed per state key.",
		}, []string{"key"}),
		DigestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_digests_sent_total",
			Help: "Total number of daily digests delivered.",
		}),
		DigestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_digest_failures_total",
			Help: "Total number of daily digests that failed to send.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		RequestDurationSec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		RateLimitDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ratelimit_dropped_total",
			Help: "Total number of webhook requests dropped by the rate limiter.",
		}),
	}

	registry.MustRegister(
		m.CyclesTotal,
		m.CycleDurationSec,
		m.FetchErrors,
		m.PushErrors,
		m.StateValue,
		m.DigestsSent,
		m.DigestFailures,
		m.RequestsTotal,
		m.RequestDurationSec,
		m.RateLimitDropped,
	)

	return m
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(trigger string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CyclesTotal.WithLabelValues(trigger, result).Inc()
	m.CycleDurationSec.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		status := strconv.Itoa(wrapped.statusCode)
		route := routePattern(r)
		m.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		m.RequestDurationSec.WithLabelValues(route, r.Method, status).Observe(time.Since(startedAt).Seconds())
	})
}

// routePattern keeps label cardinality bounded: /value/{key} instead of
// one series per key.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
