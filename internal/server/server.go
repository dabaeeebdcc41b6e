package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sort"
	"sync"

	"github.com/erikjohnston/github-matrix-project-bot/internal/checker"
	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/internal/metrics"
	"github.com/erikjohnston/github-matrix-project-bot/internal/server/middleware"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Storage interface {
	Get(ctx context.Context, key string) (*model.Snapshot, error)
	GetAll(ctx context.Context) (map[string]*model.Snapshot, error)
	Ping(ctx context.Context) error
}

// Runner runs one check cycle.
type Runner interface {
	RunCycle(ctx context.Context, trigger string) error
}

type Server struct {
	Storage  Storage
	Runner   Runner
	Config   *config.Config
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

func NewServer(storage Storage, runner Runner, config *config.Config, m *metrics.Metrics, g prometheus.Gatherer) *Server {
	return &Server{
		Storage:  storage,
		Runner:   runner,
		Config:   config,
		Metrics:  m,
		Gatherer: g,
		Clock:    clockwork.NewRealClock(),
	}
}

// Router builds the HTTP surface.
func (srv *Server) Router() (http.Handler, error) {
	trusted, err := middleware.TrustedCIDR(srv.Config.TrustedSubnet)
	if err != nil {
		return nil, err
	}
	if srv.Metrics == nil {
		srv.Metrics = metrics.New(prometheus.NewRegistry())
	}
	gatherer := srv.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(chiMiddleware.Recoverer)
	router.Use(middleware.LogMiddleware(srv.Config.Logger))
	router.Use(srv.Metrics.Middleware)

	router.Get("/health", srv.HealthHandler)
	router.Get("/ping", srv.PingHandler)
	router.Get("/", srv.ListStateHandler)
	router.Get("/value/{key}", srv.GetStateHandler)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.Group(func(r chi.Router) {
		r.Use(trusted)
		r.Use(middleware.RateLimit(srv.Config.WebhookRPS, srv.Config.WebhookBurst, srv.Metrics.RateLimitDropped.Inc))
		r.Use(middleware.VerifySignatureMiddleware(srv.Config.WebhookSecret))
		r.Get("/webhook", srv.WebhookHandler)
		r.Post("/webhook", srv.WebhookHandler)
	})

	return router, nil
}

// Run serves until Shutdown is called.
func (srv *Server) Run() error {
	router, err := srv.Router()
	if err != nil {
		return err
	}
	hs := &http.Server{Addr: srv.Config.Addr, Handler: router}
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.httpServer = hs
	srv.mu.Unlock()

	srv.Config.Logger.Infow("listening", "addr", srv.Config.Addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown waits for in-flight requests, including webhook cycles. A Run
// that has not started listening yet returns without serving.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.closed = true
	hs := srv.httpServer
	srv.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

func (srv *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (srv *Server) PingHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.Storage.Ping(r.Context()); err != nil {
		srv.Config.Logger.Errorw("storage ping failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// WebhookHandler waits the settle delay so the search index catches up
// with the event, then runs one cycle. The cycle is not tied to the
// request: a caller hanging up mid cycle does not cut the pushes short.
func (srv *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if d := srv.Config.WebhookDelay; d > 0 {
		clock := srv.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		select {
		case <-clock.After(d):
		case <-r.Context().Done():
			return
		}
	}

	if err := srv.Runner.RunCycle(context.WithoutCancel(r.Context()), checker.TriggerWebhook); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (srv *Server) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	stored, err := srv.Storage.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, errs.ErrStateNotFound) {
			http.NotFound(w, r)
			return
		}
		srv.Config.Logger.Errorw("failed to get state from storage", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stored); err != nil {
		srv.Config.Logger.Errorw("failed to write response JSON", "error", err)
	}
}

func (srv *Server) ListStateHandler(w http.ResponseWriter, r *http.Request) {
	all, err := srv.Storage.GetAll(r.Context())
	if err != nil {
		srv.Config.Logger.Errorw("failed to get all state from storage", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err = fmt.Fprintln(w, "<html><body><ul>")
	if err != nil {
		srv.Config.Logger.Errorw("failed to start response body for state list", "error", err)
		return
	}

	for _, k := range keys {
		s := all[k]
		title := html.EscapeString(s.Title)
		if s.Link != "" {
			title = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(s.Link), title)
		}
		_, err = fmt.Fprintf(w, "<li>%s (%s): %d [%s]</li>\n", title, html.EscapeString(s.Key), s.Value, html.EscapeString(string(s.Severity)))
		if err != nil {
			srv.Config.Logger.Errorw("failed to write state list entry", "key", k, "error", err)
			return
		}
	}

	_, _ = fmt.Fprintln(w, "</ul></body></html>")
}
