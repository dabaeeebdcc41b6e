package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/erikjohnston/github-matrix-project-bot/storage/inmemory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcRunner func(ctx context.Context, trigger string) error

func (f funcRunner) RunCycle(ctx context.Context, trigger string) error { return f(ctx, trigger) }

type brokenStorage struct{}

func (brokenStorage) Get(context.Context, string) (*model.Snapshot, error) {
	return nil, errors.New("connection refused")
}
func (brokenStorage) GetAll(context.Context) (map[string]*model.Snapshot, error) {
	return nil, errors.New("connection refused")
}
func (brokenStorage) Ping(context.Context) error { return errors.New("connection refused") }

func TestWebhookHandler_WaitsSettleDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ran := make(chan string, 1)
	srv := &Server{
		Storage: inmemory.NewMemStorage(),
		Runner: funcRunner(func(ctx context.Context, trigger string) error {
			ran <- trigger
			return nil
		}),
		Config: &config.Config{Logger: zap.NewNop().Sugar(), WebhookDelay: 3 * time.Second},
		Clock:  clock,
	}

	rr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		srv.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil))
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	select {
	case <-ran:
		t.Fatal("cycle ran before the settle delay")
	default:
	}

	clock.Advance(3 * time.Second)
	<-done
	require.Equal(t, "webhook", <-ran)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}

func TestWebhookHandler_CallerGoneDuringDelay(t *testing.T) {
	var calls int
	srv := &Server{
		Runner: funcRunner(func(context.Context, string) error { calls++; return nil }),
		Config: &config.Config{Logger: zap.NewNop().Sugar(), WebhookDelay: time.Hour},
		Clock:  clockwork.NewFakeClock(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil).WithContext(ctx)
	srv.WebhookHandler(httptest.NewRecorder(), req)
	require.Zero(t, calls)
}

func TestWebhookHandler_CycleOutlivesRequest(t *testing.T) {
	srv := &Server{
		Runner: funcRunner(func(ctx context.Context, _ string) error {
			return ctx.Err()
		}),
		Config: &config.Config{Logger: zap.NewNop().Sugar()},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rr := httptest.NewRecorder()
	srv.WebhookHandler(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil).WithContext(ctx))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStateHandlers_StorageError(t *testing.T) {
	srv := &Server{Storage: brokenStorage{}, Config: &config.Config{Logger: zap.NewNop().Sugar()}}

	rr := httptest.NewRecorder()
	srv.ListStateHandler(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = httptest.NewRecorder()
	srv.PingHandler(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRouter_InvalidSubnet(t *testing.T) {
	srv := NewServer(inmemory.NewMemStorage(), nil, &config.Config{Logger: zap.NewNop().Sugar(), TrustedSubnet: "nope"}, nil, nil)
	_, err := srv.Router()
	require.Error(t, err)
}

func TestServer_ShutdownBeforeRun(t *testing.T) {
	srv := NewServer(inmemory.NewMemStorage(), funcRunner(func(context.Context, string) error { return nil }),
		&config.Config{Addr: "127.0.0.1:0", Logger: zap.NewNop().Sugar()}, nil, nil)

	require.NoError(t, srv.Shutdown(context.Background()))

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		_ = srv.Shutdown(context.Background())
		t.Fatal("Run served after Shutdown")
	}
}
