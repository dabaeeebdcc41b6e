// Package events fans out the outcome of every check cycle over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// CycleEvent summarises one finished check cycle.
type CycleEvent struct {
	CycleID    string           `json:"cycle_id"`
	Trigger    string           `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMs int64            `json:"duration_ms"`
	Values     map[string]int64 `json:"values,omitempty"`
	DigestSent bool             `json:"digest_sent"`
	Error      string           `json:"error,omitempty"`
}

// Publisher delivers cycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishCycle(ctx context.Context, ev CycleEvent) error
	Close() error
}

// Nop drops every event. Used when no NATS url is configured.
type Nop struct{}

func (Nop) PublishCycle(context.Context, CycleEvent) error { return nil }
func (Nop) Close() error                                   { return nil }

// NATSPublisher publishes cycle events as JSON on a core NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.SugaredLogger
	publish func(subject string, data []byte) error
}

// NewNATSPublisher connects to natsURL. The connection keeps reconnecting in
// the background, so a broker outage never blocks a cycle.
func NewNATSPublisher(natsURL, subject string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("github-matrix-project-bot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infow("connected to NATS", "url", natsURL, "subject", subject)
	return &NATSPublisher{nc: nc, subject: subject, logger: logger, publish: nc.Publish}, nil
}

func (p *NATSPublisher) PublishCycle(_ context.Context, ev CycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debugw("cycle event published", "subject", p.subject, "size", len(data))
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
	return err
}
