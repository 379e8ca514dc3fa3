// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/resilience"
)

// Schema creates the table the store reads and writes.
const Schema = `CREATE TABLE IF NOT EXISTS state_blobs (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Store persists state blobs in the `state_blobs` table, one row per key.
type Store struct {
	db     *postgres.Client
	retry  resilience.RetryConfig
	logger *slog.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Updater = (*Store)(nil)
)

// New ensures the schema exists and returns a Store backed by db.
func New(ctx context.Context, db *postgres.Client) (*Store, error) {
	if _, err := db.DB.ExecContext(ctx, Schema); err != nil {
		return nil, fmt.Errorf("creating state_blobs table: %w", err)
	}
	return &Store{
		db:     db,
		retry:  resilience.DefaultRetryConfig(),
		logger: slog.Default().With("component", "postgres-store"),
	}, nil
}

func permanent(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Put upserts value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	err := resilience.Retry(ctx, "state-put", s.retry, permanent, func() error {
		_, err := s.db.DB.ExecContext(ctx,
			`INSERT INTO state_blobs (key, value, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			key, value, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: saving state %s: %v", apperrors.ErrStorage, key, err)
	}
	s.logger.Debug("state saved", "key", key, "bytes", len(value))
	return nil
}

// Get loads the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	var value []byte
	err := resilience.Retry(ctx, "state-get", s.retry, func(err error) bool {
		return permanent(err) || errors.Is(err, sql.ErrNoRows)
	}, func() error {
		return s.db.DB.QueryRowContext(ctx,
			`SELECT value FROM state_blobs WHERE key = $1`, key,
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading state %s: %v", apperrors.ErrStorage, key, err)
	}
	return value, nil
}

// Update runs fn inside a transaction that holds a transaction-scoped
// advisory lock on key, so concurrent updaters of the same key queue behind
// each other until commit.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	tx, err := s.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning update of %s: %v", apperrors.ErrStorage, key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("%w: locking state %s: %v", apperrors.ErrStorage, key, err)
	}
	var current []byte
	found := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM state_blobs WHERE key = $1`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		found, err = false, nil
	}
	if err != nil {
		return fmt.Errorf("%w: loading state %s: %v", apperrors.ErrStorage, key, err)
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_blobs (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, next, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("%w: saving state %s: %v", apperrors.ErrStorage, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing state %s: %v", apperrors.ErrStorage, key, err)
	}
	s.logger.Debug("state updated", "key", key, "bytes", len(next))
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
