package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createLagSamplesSQL = `CREATE TABLE IF NOT EXISTS lag_samples (
        group_name   TEXT        NOT NULL,
        series       TEXT        NOT NULL,
        target       TEXT        NOT NULL DEFAULT '',
        ts           TIMESTAMPTZ NOT NULL,
        delay_blocks BIGINT,
        error        TEXT,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (group_name, series, target, ts)
    );`

	upsertLagSampleSQL = `INSERT INTO lag_samples (
        group_name,
        series,
        target,
        ts,
        delay_blocks,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (group_name, series, target, ts) DO UPDATE
    SET
        delay_blocks = EXCLUDED.delay_blocks,
        error        = EXCLUDED.error;`

	deleteSamplesBeforeSQL = `DELETE FROM lag_samples WHERE ts < $1;`
)

// LagSampleStore mirrors history entries into PostgreSQL.
type LagSampleStore interface {
	UpsertLagSamples(ctx context.Context, samples []LagSample) error
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the lag_samples table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createLagSamplesSQL); err != nil {
		return fmt.Errorf("create lag_samples: %w", err)
	}
	return nil
}

// UpsertLagSamples writes samples in a single batch.
func (s *Store) UpsertLagSamples(ctx context.Context, samples []LagSample) error {
	if len(samples) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		var delay interface{}
		if sample.DelayBlocks != nil {
			delay = *sample.DelayBlocks
		}
		var errMsg interface{}
		if sample.Error != nil {
			errMsg = *sample.Error
		}
		batch.Queue(upsertLagSampleSQL,
			sample.Group,
			sample.Series,
			sample.Target,
			sample.Timestamp,
			delay,
			errMsg,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range samples {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert lag sample %d (%s/%s): %w", i, samples[i].Group, samples[i].Series, err)
		}
	}
	return nil
}

// DeleteSamplesBefore removes mirrored rows older than cutoff.
func (s *Store) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteSamplesBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete lag samples before: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ LagSampleStore = (*Store)(nil)
