package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/erikjohnston/github-matrix-project-bot/internal/buildinfo"
	"github.com/erikjohnston/github-matrix-project-bot/internal/checker"
	"github.com/erikjohnston/github-matrix-project-bot/internal/client"
	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/internal/events"
	"github.com/erikjohnston/github-matrix-project-bot/internal/metrics"
	"github.com/erikjohnston/github-matrix-project-bot/internal/scheduler"
	"github.com/erikjohnston/github-matrix-project-bot/internal/server"
	"github.com/erikjohnston/github-matrix-project-bot/storage"
	"github.com/erikjohnston/github-matrix-project-bot/storage/inmemory"
	"github.com/erikjohnston/github-matrix-project-bot/storage/postgres"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	defer func() { _ = cfg.Logger.Sync() }()

	buildinfo.LogBuildInfo(cfg.Logger)
	cfg.Logger.Infow("relay config",
		"addr", cfg.Addr,
		"github", cfg.GitHubURL,
		"matrix", cfg.MatrixURL,
		"room", cfg.RoomID,
		"namespace", cfg.StateNamespace,
		"interval", cfg.CheckInterval,
		"digest_at", cfg.DigestTime,
		"digest_tz", cfg.DigestTimeZone,
		"fetch_policy", cfg.FetchPolicy,
		"metrics", len(cfg.Metrics),
		"database", cfg.DatabaseDsn != "",
		"nats", cfg.NATSURL != "",
	)

	if err := run(ctx, cfg); err != nil {
		cfg.Logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, cfg.Logger)
		if err != nil {
			cfg.Logger.Warnw("NATS unavailable, continuing without cycle events", "error", err)
		} else {
			publisher = p
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	clock := clockwork.NewRealClock()

	chk := checker.NewFromConfig(cfg, client.NewGitHub(cfg), client.NewMatrix(cfg), checker.Options{
		Store:   store,
		Events:  publisher,
		Metrics: m,
		Clock:   clock,
	})

	sch, err := scheduler.New(chk, checker.TriggerTimer, cfg.CheckInterval, clock, cfg.Logger)
	if err != nil {
		return multierr.Combine(err, publisher.Close(), store.Close())
	}

	srv := server.NewServer(store, chk, cfg, m, registry)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run() }()

	sch.Start()

	var runErr error
	select {
	case <-ctx.Done():
		cfg.Logger.Info("shutting down")
	case runErr = <-srvErr:
		if runErr == nil {
			runErr = errors.New("http server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return multierr.Combine(
		runErr,
		srv.Shutdown(shutdownCtx),
		sch.Stop(),
		publisher.Close(),
		store.Close(),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.StateStore, error) {
	if cfg.DatabaseDsn == "" {
		return inmemory.NewMemStorage(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ClientTimeout)
	defer cancel()
	return postgres.NewPostgresStorage(connectCtx, cfg.DatabaseDsn)
}
