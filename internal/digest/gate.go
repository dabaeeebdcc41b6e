// Package digest decides when the daily summary is due and renders it.
package digest

import (
	"sync"
	"time"
)

// Gate fires at most once per day at a fixed wall clock time in a given
// zone. The last send instant is only reachable through ShouldSendAndMark.
type Gate struct {
	mu   sync.Mutex
	last time.Time

	hour   int
	minute int
	loc    *time.Location
}

// NewGate returns a gate that considers a digest already sent at startedAt,
// so a restart after today's trigger time does not send a second one.
func NewGate(hour, minute int, loc *time.Location, startedAt time.Time) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{last: startedAt, hour: hour, minute: minute, loc: loc}
}

// ShouldSendAndMark reports whether today's trigger instant lies in
// (last, now] and, if so, records now as the last send in the same
// critical section. Missed days collapse into a single true.
func (g *Gate) ShouldSendAndMark(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	trigger := g.triggerOn(now)
	if g.last.Before(trigger) && !trigger.After(now) {
		g.last = now
		return true
	}
	return false
}

func (g *Gate) triggerOn(now time.Time) time.Time {
	local := now.In(g.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), g.hour, g.minute, 0, 0, g.loc)
}
