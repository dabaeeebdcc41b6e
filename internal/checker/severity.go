package checker

import "github.com/erikjohnston/github-matrix-project-bot/model"

// SeverityFor maps a count to a severity using the query's thresholds.
func SeverityFor(q model.MetricQuery, count int64) model.Severity {
	switch {
	case q.AlertAbove != nil && count > *q.AlertAbove:
		return model.Alert
	case count > q.WarnAbove:
		return model.Warning
	default:
		return model.Normal
	}
}

// StateUpdateFor builds the state pushed for one fetched count.
func StateUpdateFor(q model.MetricQuery, count int64) model.StateUpdate {
	return model.StateUpdate{
		Key:      q.StateKey,
		Title:    q.Title,
		Value:    count,
		Severity: SeverityFor(q, count),
		Link:     q.Link,
	}
}
