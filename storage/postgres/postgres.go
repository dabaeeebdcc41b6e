package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTable = `
CREATE TABLE IF NOT EXISTS state_snapshots (
	key        TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	value      BIGINT NOT NULL,
	severity   TEXT NOT NULL,
	link       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

const upsert = `
INSERT INTO state_snapshots (key, title, value, severity, link, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE SET
	title = EXCLUDED.title,
	value = EXCLUDED.value,
	severity = EXCLUDED.severity,
	link = EXCLUDED.link,
	updated_at = EXCLUDED.updated_at`

const selectColumns = `SELECT key, title, value, severity, link, updated_at FROM state_snapshots`

type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage connects to DatabaseDsn and creates the snapshot table
// if it does not exist yet.
func NewPostgresStorage(ctx context.Context, DatabaseDsn string) (*PostgresStorage, error) {
	db, err := pgxpool.New(ctx, DatabaseDsn)
	if err != nil {
		return nil, classify(fmt.Errorf("connect: %w", err))
	}
	if _, err := db.Exec(ctx, createTable); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("create table: %w", err))
	}
	return &PostgresStorage{db: db}, nil
}

func (store *PostgresStorage) SaveBatch(ctx context.Context, snaps []model.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(upsert, s.Key, s.Title, s.Value, string(s.Severity), s.Link, s.UpdatedAt)
	}

	tx, err := store.db.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(fmt.Errorf("upsert snapshots: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (store *PostgresStorage) Get(ctx context.Context, key string) (*model.Snapshot, error) {
	row := store.db.QueryRow(ctx, selectColumns+` WHERE key = $1`, key)
	s, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrStateNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get %s: %w", key, err))
	}
	return s, nil
}

func (store *PostgresStorage) GetAll(ctx context.Context) (map[string]*model.Snapshot, error) {
	rows, err := store.db.Query(ctx, selectColumns)
	if err != nil {
		return nil, classify(fmt.Errorf("get all: %w", err))
	}
	defer rows.Close()

	result := make(map[string]*model.Snapshot)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("scan: %w", err))
		}
		result[s.Key] = s
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("get all: %w", err))
	}
	return result, nil
}

func (store *PostgresStorage) Ping(ctx context.Context) error {
	return classify(store.db.Ping(ctx))
}

func (store *PostgresStorage) Close() error {
	store.db.Close()
	return nil
}

func scanSnapshot(row pgx.Row) (*model.Snapshot, error) {
	var (
		s        model.Snapshot
		severity string
	)
	if err := row.Scan(&s.Key, &s.Title, &s.Value, &severity, &s.Link, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Severity = model.Severity(severity)
	return &s, nil
}
