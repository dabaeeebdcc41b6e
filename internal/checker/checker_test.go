package checker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/internal/digest"
	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/internal/events"
	"github.com/erikjohnston/github-matrix-project-bot/internal/metrics"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/erikjohnston/github-matrix-project-bot/storage/inmemory"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSource struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   map[string]error
	calls  []string
}

func (f *fakeSource) FetchCount(_ context.Context, q model.MetricQuery) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q.ID)
	if err := f.fail[q.ID]; err != nil {
		return 0, err
	}
	return f.counts[q.ID], nil
}

type fakeSink struct {
	mu       sync.Mutex
	state    map[string]model.StateUpdate
	puts     int
	messages []model.DigestMessage
	putErr   map[string]error
	msgErr   error
}

func newFakeSink() *fakeSink {
	return &fakeSink{state: map[string]model.StateUpdate{}}
}

func (f *fakeSink) PutState(_ context.Context, u model.StateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.putErr[u.Key]; err != nil {
		return err
	}
	f.puts++
	f.state[u.Key] = u
	return nil
}

func (f *fakeSink) SendMessage(_ context.Context, msg model.DigestMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return f.msgErr
}

type gateFunc func(time.Time) bool

func (g gateFunc) ShouldSendAndMark(now time.Time) bool { return g(now) }

var (
	closedGate = gateFunc(func(time.Time) bool { return false })
	openGate   = gateFunc(func(time.Time) bool { return true })
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.CycleEvent
}

func (p *recordingPublisher) PublishCycle(_ context.Context, ev events.CycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func threeQueries() []model.MetricQuery {
	three := int64(3)
	return []model.MetricQuery{
		{ID: "reviews", Kind: model.Search, Query: "is:pr", StateKey: "gh_reviews", Title: "Pending reviews", Digest: model.DigestReview},
		{ID: "ps_column", Kind: model.Collection, Path: "/projects/columns/1/cards", StateKey: "gh_review_column", Title: "Urgent PS Tasks Column", AlertAbove: &three, Digest: model.DigestBlocker},
		{ID: "issues", Kind: model.Search, Query: "is:issue", StateKey: "gh_issues", Title: "Open issues"},
	}
}

func newTestChecker(src MetricSource, sink StateSink, gate DigestGate, mod func(*Options)) *Checker {
	opts := Options{
		Queries: threeQueries(),
		Source:  src,
		Sink:    sink,
		Gate:    gate,
		Clock:   clockwork.NewFakeClockAt(time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)),
		Logger:  zap.NewNop().Sugar(),
	}
	if mod != nil {
		mod(&opts)
	}
	return New(opts)
}

func TestRunCycle_PushesAll(t *testing.T) {
	src := &fakeSource{counts: map[string]int64{"reviews": 5, "ps_column": 4, "issues": 0}}
	sink := newFakeSink()
	store := inmemory.NewMemStorage()
	pub := &recordingPublisher{}

	c := newTestChecker(src, sink, closedGate, func(o *Options) {
		o.Store = store
		o.Events = pub
	})
	require.NoError(t, c.RunCycle(context.Background(), TriggerTimer))

	require.Len(t, sink.state, 3)
	require.Equal(t, model.Warning, sink.state["gh_reviews"].Severity)
	require.Equal(t, model.Alert, sink.state["gh_review_column"].Severity)
	require.Equal(t, model.Normal, sink.state["gh_issues"].Severity)
	require.Empty(t, sink.messages)

	snap, err := store.Get(context.Background(), "gh_reviews")
	require.NoError(t, err)
	require.EqualValues(t, 5, snap.Value)

	require.Len(t, pub.events, 1)
	require.Equal(t, TriggerTimer, pub.events[0].Trigger)
	require.NotEmpty(t, pub.events[0].CycleID)
	require.Empty(t, pub.events[0].Error)
	require.Equal(t, map[string]int64{"gh_reviews": 5, "gh_review_column": 4, "gh_issues": 0}, pub.events[0].Values)
}

func TestRunCycle_Idempotent(t *testing.T) {
	src := &fakeSource{counts: map[string]int64{"reviews": 2, "ps_column": 1, "issues": 7}}
	sink := newFakeSink()
	c := newTestChecker(src, sink, closedGate, nil)

	require.NoError(t, c.RunCycle(context.Background(), TriggerTimer))
	first := map[string]model.StateUpdate{}
	for k, v := range sink.state {
		first[k] = v
	}
	require.NoError(t, c.RunCycle(context.Background(), TriggerWebhook))

	require.Equal(t, 6, sink.puts)
	require.Equal(t, first, sink.state)
}

func TestRunCycle_FailFastOnFetchError(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		src := &fakeSource{
			counts: map[string]int64{"reviews": 1, "issues": 1},
			fail:   map[string]error{"ps_column": &errs.FetchError{QueryID: "ps_column", StatusCode: 502, Body: "bad gateway"}},
		}
		sink := newFakeSink()
		c := newTestChecker(src, sink, openGate, func(o *Options) { o.Sequential = sequential })

		err := c.RunCycle(context.Background(), TriggerWebhook)
		require.Error(t, err)

		var ce *errs.CycleError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, errs.StageFetch, ce.Stage)

		var fe *errs.FetchError
		require.True(t, errors.As(err, &fe))
		require.Equal(t, "ps_column", fe.QueryID)

		require.Zero(t, sink.puts)
		require.Empty(t, sink.messages)
		if sequential {
			require.Equal(t, []string{"reviews", "ps_column"}, src.calls)
		}
	}
}

// blockingSource fails one query right away and holds every other query
// until its context ends.
type blockingSource struct {
	failID string
}

func (b blockingSource) FetchCount(ctx context.Context, q model.MetricQuery) (int64, error) {
	if q.ID == b.failID {
		return 0, &errs.FetchError{QueryID: q.ID, StatusCode: 502}
	}
	<-ctx.Done()
	return 0, &errs.FetchError{QueryID: q.ID, Err: ctx.Err()}
}

func TestRunCycle_FailFastCountsOnlyTheFailingQuery(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	core, logs := observer.New(zapcore.InfoLevel)
	sink := newFakeSink()

	c := newTestChecker(blockingSource{failID: "ps_column"}, sink, openGate, func(o *Options) {
		o.Metrics = m
		o.Logger = zap.New(core).Sugar()
	})

	err := c.RunCycle(context.Background(), TriggerTimer)
	var fe *errs.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "ps_column", fe.QueryID)

	require.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrors.WithLabelValues("ps_column")))
	require.Zero(t, testutil.ToFloat64(m.FetchErrors.WithLabelValues("reviews")))
	require.Zero(t, testutil.ToFloat64(m.FetchErrors.WithLabelValues("issues")))
	require.Equal(t, 1, logs.FilterMessage("fetch failed").Len())
	require.Zero(t, sink.puts)
}

func TestRunCycle_CallerCanceledIsAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := newFakeSink()

	c := newTestChecker(blockingSource{}, sink, openGate, nil)
	err := c.RunCycle(ctx, TriggerTimer)

	var ce *errs.CycleError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, errs.StageFetch, ce.Stage)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, sink.puts)
	require.Empty(t, sink.messages)
}

func TestRunCycle_DigestIsolation(t *testing.T) {
	src := &fakeSource{counts: map[string]int64{"reviews": 3, "ps_column": 2, "issues": 1}}
	sink := newFakeSink()
	sink.msgErr = &errs.PushError{Target: "message", StatusCode: 500, Body: "boom"}

	core, logs := observer.New(zapcore.InfoLevel)
	c := newTestChecker(src, sink, openGate, func(o *Options) { o.Logger = zap.New(core).Sugar() })

	require.NoError(t, c.RunCycle(context.Background(), TriggerTimer))
	require.Len(t, sink.messages, 1)
	require.Equal(t, 3, sink.puts)
	require.Len(t, sink.state, 3)
	require.Equal(t, 1, logs.FilterMessage("daily digest failed").Len())
}

func TestRunCycle_DigestSentOnceWithRealGate(t *testing.T) {
	src := &fakeSource{counts: map[string]int64{"reviews": 3, "ps_column": 2, "issues": 1}}
	sink := newFakeSink()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 5, 9, 50, 0, 0, time.UTC))
	gate := digest.NewGate(9, 55, time.UTC, clock.Now())

	c := newTestChecker(src, sink, gate, func(o *Options) { o.Clock = clock })

	require.NoError(t, c.RunCycle(context.Background(), TriggerTimer))
	require.Empty(t, sink.messages)

	clock.Advance(10 * time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.RunCycle(context.Background(), TriggerWebhook)
		}()
	}
	wg.Wait()

	require.Len(t, sink.messages, 1)
	require.Equal(t, "Good morning! There are 3 PRs waiting for review. Also: 2 in Urgent PS Tasks Column.", sink.messages[0].Body)
}

func TestRunCycle_PushFailFast(t *testing.T) {
	src := &fakeSource{counts: map[string]int64{"reviews": 1, "ps_column": 1, "issues": 1}}
	sink := newFakeSink()
	sink.putErr = map[string]error{"gh_review_column": &errs.PushError{Target: "gh_review_column", StatusCode: 403, Code: "M_FORBIDDEN"}}
	store := inmemory.NewMemStorage()

	c := newTestChecker(src, sink, closedGate, func(o *Options) { o.Store = store })
	err := c.RunCycle(context.Background(), TriggerTimer)

	var ce *errs.CycleError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, errs.StagePush, ce.Stage)
	require.Equal(t, 1, sink.puts)
	_, ok := sink.state["gh_issues"]
	require.False(t, ok)

	all, err := store.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRunCycle_IsolatePolicy(t *testing.T) {
	src := &fakeSource{
		counts: map[string]int64{"reviews": 4},
		fail: map[string]error{
			"ps_column": &errs.FetchError{QueryID: "ps_column", StatusCode: 404},
			"issues":    &errs.FetchError{QueryID: "issues", StatusCode: 500},
		},
	}
	sink := newFakeSink()
	var gateAsked bool
	gate := gateFunc(func(time.Time) bool { gateAsked = true; return true })

	c := newTestChecker(src, sink, gate, func(o *Options) { o.FetchPolicy = config.FetchIsolate })
	err := c.RunCycle(context.Background(), TriggerTimer)

	var ce *errs.CycleError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, errs.StageFetch, ce.Stage)
	require.Contains(t, err.Error(), "ps_column")
	require.Contains(t, err.Error(), "issues")

	require.Equal(t, 1, sink.puts)
	require.EqualValues(t, 4, sink.state["gh_reviews"].Value)
	// ps_column feeds the digest, so the gate is left untouched
	require.False(t, gateAsked)
	require.Empty(t, sink.messages)
}

func TestNewFromConfig_GateStartsClosed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 5, 14, 0, 0, 0, time.UTC))
	cfg := &config.Config{
		Metrics:        threeQueries(),
		FetchPolicy:    config.FetchFailFast,
		DigestHour:     9,
		DigestMinute:   55,
		DigestLocation: time.UTC,
		Logger:         zap.NewNop().Sugar(),
	}
	src := &fakeSource{counts: map[string]int64{}}
	sink := newFakeSink()

	c := NewFromConfig(cfg, src, sink, Options{Clock: clock})
	clock.Advance(time.Second)
	require.NoError(t, c.RunCycle(context.Background(), TriggerTimer))
	require.Empty(t, sink.messages)
	require.Equal(t, 3, sink.puts)
}
