package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/internal/server"
	"github.com/erikjohnston/github-matrix-project-bot/storage/inmemory"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// StubRunner records cycle triggers and returns Err.
type StubRunner struct {
	mu       sync.Mutex
	Err      error
	Triggers []string
}

func (s *StubRunner) RunCycle(ctx context.Context, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Triggers = append(s.Triggers, trigger)
	return s.Err
}

func (s *StubRunner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Triggers)
}

// NewTestServer returns a server over an empty in-memory store with no
// webhook delay and a generous rate limit.
func NewTestServer() (*server.Server, *inmemory.MemStorage, *StubRunner) {
	st := inmemory.NewMemStorage()
	runner := &StubRunner{}
	cfg := &config.Config{
		Addr:         "127.0.0.1:0",
		Logger:       zap.NewNop().Sugar(),
		WebhookRPS:   1000,
		WebhookBurst: 1000,
	}
	srv := server.NewServer(st, runner, cfg, nil, nil)
	srv.Clock = clockwork.NewFakeClockAt(time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC))
	return srv, st, runner
}
