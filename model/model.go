// Package model contains core data types for the project.
package model

import "time"

// MetricKind selects how a query's response is turned into a count.
type MetricKind string

const (
	Search     MetricKind = "search"     // Search reads {"total_count": n} from the issue search API.
	Collection MetricKind = "collection" // Collection counts the elements of a JSON array.
)

// DigestRole marks how a metric contributes to the daily digest.
type DigestRole string

const (
	DigestNone    DigestRole = ""
	DigestReview  DigestRole = "review"
	DigestBlocker DigestRole = "blocker"
)

// Severity is the level attached to a published state value.
type Severity string

const (
	Normal  Severity = "normal"
	Warning Severity = "warning"
	Alert   Severity = "alert"
)

// MetricQuery describes one counter to fetch and where to publish it.
// Values are built once from configuration and never mutated.
type MetricQuery struct {
	ID         string     `yaml:"id" json:"id"`
	Kind       MetricKind `yaml:"kind" json:"kind"`
	Query      string     `yaml:"query,omitempty" json:"query,omitempty"` // Search expression for Search.
	Path       string     `yaml:"path,omitempty" json:"path,omitempty"`   // API path for Collection.
	Accept     string     `yaml:"accept,omitempty" json:"accept,omitempty"`
	StateKey   string     `yaml:"state_key" json:"state_key"`
	Title      string     `yaml:"title" json:"title"`
	Link       string     `yaml:"link,omitempty" json:"link,omitempty"`
	WarnAbove  int64      `yaml:"warn_above,omitempty" json:"warn_above,omitempty"`
	AlertAbove *int64     `yaml:"alert_above,omitempty" json:"alert_above,omitempty"`
	Digest     DigestRole `yaml:"digest,omitempty" json:"digest,omitempty"`
}

// MetricResult is the outcome of fetching one MetricQuery in a cycle.
type MetricResult struct {
	Query MetricQuery
	Count int64
	Err   error
}

// StateUpdate is one value upserted to the state sink under Key.
type StateUpdate struct {
	Key      string   `json:"-"`
	Title    string   `json:"title"`
	Value    int64    `json:"value"`
	Severity Severity `json:"severity"`
	Link     string   `json:"link"`
}

// DigestMessage is the human readable daily summary.
type DigestMessage struct {
	Body          string
	FormattedBody string
}

// Snapshot is the last update pushed under a key, as kept by the state store.
type Snapshot struct {
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Value     int64     `json:"value"`
	Severity  Severity  `json:"severity"`
	Link      string    `json:"link"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotOf records u as pushed at t.
func SnapshotOf(u StateUpdate, t time.Time) Snapshot {
	return Snapshot{Key: u.Key, Title: u.Title, Value: u.Value, Severity: u.Severity, Link: u.Link, UpdatedAt: t}
}
