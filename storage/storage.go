// Package storage defines where the relay keeps the last pushed state.
package storage

import (
	"context"

	"github.com/erikjohnston/github-matrix-project-bot/model"
)

// StateStore mirrors the latest state pushed per key. It backs the status
// pages and is never read by the check cycle itself.
type StateStore interface {
	SaveBatch(ctx context.Context, snaps []model.Snapshot) error
	Get(ctx context.Context, key string) (*model.Snapshot, error)
	GetAll(ctx context.Context) (map[string]*model.Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}
