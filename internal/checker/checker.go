// Package checker runs check cycles: fetch every configured counter, send
// the daily digest when it is due, then push every state update.
//
// Both the timer and the webhook call RunCycle on one shared Checker. The
// only state shared between concurrent cycles is the digest gate, which
// guards itself.
package checker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/erikjohnston/github-matrix-project-bot/internal/config"
	"github.com/erikjohnston/github-matrix-project-bot/internal/digest"
	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/internal/events"
	"github.com/erikjohnston/github-matrix-project-bot/internal/metrics"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Triggers.
const (
	TriggerTimer   = "timer"
	TriggerWebhook = "webhook"
)

type MetricSource interface {
	FetchCount(ctx context.Context, q model.MetricQuery) (int64, error)
}

type StateSink interface {
	PutState(ctx context.Context, u model.StateUpdate) error
	SendMessage(ctx context.Context, msg model.DigestMessage) error
}

type DigestGate interface {
	ShouldSendAndMark(now time.Time) bool
}

type SnapshotStore interface {
	SaveBatch(ctx context.Context, snaps []model.Snapshot) error
}

// Options wires a Checker. Source, Sink and Gate are required.
type Options struct {
	Queries     []model.MetricQuery
	Source      MetricSource
	Sink        StateSink
	Gate        DigestGate
	Store       SnapshotStore     // optional
	Events      events.Publisher  // optional
	Metrics     *metrics.Metrics  // optional
	Clock       clockwork.Clock   // optional, real clock by default
	Logger      *zap.SugaredLogger
	FetchPolicy string
	// Sequential disables concurrent fetching.
	Sequential bool
}

type Checker struct {
	queries    []model.MetricQuery
	source     MetricSource
	sink       StateSink
	gate       DigestGate
	store      SnapshotStore
	events     events.Publisher
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *zap.SugaredLogger
	isolate    bool
	sequential bool
}

func New(opts Options) *Checker {
	c := &Checker{
		queries:    append([]model.MetricQuery(nil), opts.Queries...),
		source:     opts.Source,
		sink:       opts.Sink,
		gate:       opts.Gate,
		store:      opts.Store,
		events:     opts.Events,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		isolate:    opts.FetchPolicy == config.FetchIsolate,
		sequential: opts.Sequential,
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.metrics == nil {
		c.metrics = metrics.New(prometheus.NewRegistry())
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	return c
}

// NewFromConfig builds a Checker whose gate is anchored at the configured
// digest time and starts closed at the current instant.
func NewFromConfig(cfg *config.Config, src MetricSource, sink StateSink, opts Options) *Checker {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts.Queries = cfg.Metrics
	opts.Source = src
	opts.Sink = sink
	opts.Clock = clock
	opts.FetchPolicy = cfg.FetchPolicy
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	if opts.Gate == nil {
		opts.Gate = digest.NewGate(cfg.DigestHour, cfg.DigestMinute, cfg.DigestLocation, clock.Now())
	}
	return New(opts)
}

// RunCycle runs one complete cycle. The returned error, if any, is a
// *errs.CycleError naming the stage that failed. A failed digest send is
// logged and does not fail the cycle.
func (c *Checker) RunCycle(ctx context.Context, trigger string) (err error) {
	started := c.clock.Now()
	ev := events.CycleEvent{CycleID: uuid.NewString(), Trigger: trigger, StartedAt: started}
	log := c.logger.With("cycle", ev.CycleID, "trigger", trigger)

	defer func() {
		elapsed := c.clock.Since(started)
		c.metrics.ObserveCycle(trigger, elapsed, err)
		ev.DurationMs = elapsed.Milliseconds()
		if err != nil {
			ev.Error = err.Error()
			log.Errorw("check cycle failed", "error", err, "duration", elapsed)
		} else {
			log.Infow("check cycle finished", "duration", elapsed, "values", ev.Values, "digest", ev.DigestSent)
		}
		if pubErr := c.events.PublishCycle(context.WithoutCancel(ctx), ev); pubErr != nil {
			log.Warnw("publish cycle event", "error", pubErr)
		}
	}()

	results, fetchErr := c.fetchAll(ctx, log)
	if fetchErr != nil && !c.isolate {
		return &errs.CycleError{Stage: errs.StageFetch, Err: fetchErr}
	}

	ev.DigestSent = c.maybeSendDigest(ctx, log, results)

	ok := make([]model.MetricResult, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}

	pushed, pushErr := c.pushAll(ctx, log, ok)
	ev.Values = make(map[string]int64, len(pushed))
	for _, u := range pushed {
		ev.Values[u.Key] = u.Value
	}
	c.saveSnapshots(ctx, log, pushed)

	if pushErr != nil {
		return &errs.CycleError{Stage: errs.StagePush, Err: pushErr}
	}
	if fetchErr != nil {
		return &errs.CycleError{Stage: errs.StageFetch, Err: fetchErr}
	}
	return nil
}

// fetchAll fetches every query. Under fail-fast the first failure cancels
// the remaining fetches and is returned alone. Under isolate every query is
// attempted and failures are combined; failed results carry Err.
func (c *Checker) fetchAll(ctx context.Context, log *zap.SugaredLogger) ([]model.MetricResult, error) {
	results := make([]model.MetricResult, len(c.queries))
	for i, q := range c.queries {
		results[i].Query = q
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)
	fetchOne := func(i int) {
		q := c.queries[i]
		n, err := c.source.FetchCount(fetchCtx, q)
		if err != nil {
			results[i].Err = err
			if errors.Is(err, context.Canceled) && fetchCtx.Err() != nil && ctx.Err() == nil {
				// cut short by another query's failure
				log.Debugw("fetch canceled", "query", q.ID)
				return
			}
			c.metrics.FetchErrors.WithLabelValues(q.ID).Inc()
			log.Warnw("fetch failed", "query", q.ID, "error", err)
			if !c.isolate {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
			return
		}
		results[i].Count = n
	}

	if c.sequential {
		for i := range c.queries {
			fetchOne(i)
			if firstErr != nil {
				break
			}
		}
	} else {
		var wg sync.WaitGroup
		for i := range c.queries {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fetchOne(i)
			}(i)
		}
		wg.Wait()
	}

	if !c.isolate {
		return results, firstErr
	}

	var combined error
	for _, r := range results {
		combined = multierr.Append(combined, r.Err)
	}
	return results, combined
}

// maybeSendDigest asks the gate and sends the digest when it opens. The gate
// stays marked when the send fails, so a lost digest waits for the next day.
func (c *Checker) maybeSendDigest(ctx context.Context, log *zap.SugaredLogger, results []model.MetricResult) bool {
	for _, r := range results {
		if r.Err != nil && r.Query.Digest != model.DigestNone {
			log.Warnw("digest skipped, input metric missing", "query", r.Query.ID)
			return false
		}
	}

	if !c.gate.ShouldSendAndMark(c.clock.Now()) {
		return false
	}

	msg := digest.Build(results)
	if err := c.sink.SendMessage(ctx, msg); err != nil {
		c.metrics.DigestFailures.Inc()
		log.Errorw("daily digest failed", "error", err)
		return false
	}
	c.metrics.DigestsSent.Inc()
	log.Infow("daily digest sent", "body", msg.Body)
	return true
}

// pushAll pushes in query order and stops at the first failure. It returns
// the updates that were accepted by the sink.
func (c *Checker) pushAll(ctx context.Context, log *zap.SugaredLogger, results []model.MetricResult) ([]model.StateUpdate, error) {
	pushed := make([]model.StateUpdate, 0, len(results))
	for _, r := range results {
		u := StateUpdateFor(r.Query, r.Count)
		if err := c.sink.PutState(ctx, u); err != nil {
			c.metrics.PushErrors.WithLabelValues(u.Key).Inc()
			return pushed, err
		}
		c.metrics.StateValue.WithLabelValues(u.Key).Set(float64(u.Value))
		log.Debugw("state pushed", "key", u.Key, "value", u.Value, "severity", u.Severity)
		pushed = append(pushed, u)
	}
	return pushed, nil
}

func (c *Checker) saveSnapshots(ctx context.Context, log *zap.SugaredLogger, pushed []model.StateUpdate) {
	if c.store == nil || len(pushed) == 0 {
		return
	}
	now := c.clock.Now()
	snaps := make([]model.Snapshot, 0, len(pushed))
	for _, u := range pushed {
		snaps = append(snaps, model.SnapshotOf(u, now))
	}
	if err := c.store.SaveBatch(ctx, snaps); err != nil {
		if errors.Is(err, errs.ErrStorageUnavailable) {
			log.Warnw("snapshot store unavailable", "error", err)
			return
		}
		log.Errorw("save snapshots", "error", err)
	}
}
