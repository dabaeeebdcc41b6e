package inmemory

import (
	"context"
	"sync"

	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/model"
)

type MemStorage struct {
	snapshots map[string]*model.Snapshot
	mu        sync.RWMutex
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		snapshots: make(map[string]*model.Snapshot),
	}
}

// SaveBatch upserts every snapshot by key.
func (store *MemStorage) SaveBatch(ctx context.Context, snaps []model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, s := range snaps {
		s := s
		store.snapshots[s.Key] = &s
	}
	return nil
}

func (store *MemStorage) Get(ctx context.Context, key string) (*model.Snapshot, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	val, ok := store.snapshots[key]
	if !ok {
		return nil, errs.ErrStateNotFound
	}
	cp := *val
	return &cp, nil
}

func (store *MemStorage) GetAll(ctx context.Context) (map[string]*model.Snapshot, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	result := make(map[string]*model.Snapshot, len(store.snapshots))
	for k, v := range store.snapshots {
		cp := *v
		result[k] = &cp
	}
	return result, nil
}

func (store *MemStorage) Ping(ctx context.Context) error {
	return nil
}

func (store *MemStorage) Close() error {
	return nil
}
