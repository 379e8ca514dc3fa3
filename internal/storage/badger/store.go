// Package badger implements storage.Store on top of BadgerDB. It can run on
// disk or fully in memory, which the tests use.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/resilience"
)

const keyPrefix = "state:"

var conflictRetry = resilience.RetryConfig{
	MaxAttempts:    50,
	InitialDelay:   time.Millisecond,
	MaxDelay:       50 * time.Millisecond,
	Multiplier:     2.0,
	JitterFraction: 0.5,
}

// Store wraps a BadgerDB instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Updater = (*Store)(nil)
)

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens a BadgerDB database at dir, creating the directory if needed.
// When inMemory is set dir is ignored.
func Open(dir string, inMemory bool) (*Store, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating badger directory: %w", err)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}

	logger := slog.Default().With("component", "badger-store")
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: badger put %s: %v", apperrors.ErrStorage, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: badger get %s: %v", apperrors.ErrStorage, key, err)
	}
	return value, nil
}

// Update runs fn inside a read-write transaction. Badger rejects the commit
// with ErrConflict when another transaction wrote the key after it was read;
// the whole read-modify-write is then retried.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	var fnErr error
	err := resilience.Retry(ctx, "state-update", conflictRetry, func(err error) bool {
		return !errors.Is(err, badger.ErrConflict)
	}, func() error {
		fnErr = nil
		return s.db.Update(func(txn *badger.Txn) error {
			var current []byte
			found := true
			item, err := txn.Get([]byte(keyPrefix + key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				found = false
			case err != nil:
				return err
			default:
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			next, err := fn(current, found)
			if err != nil {
				fnErr = err
				return err
			}
			return txn.Set([]byte(keyPrefix+key), next)
		})
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("%w: badger update %s: %v", apperrors.ErrStorage, key, err)
	}
	return nil
}

// Close closes the BadgerDB database.
func (s *Store) Close() error {
	return s.db.Close()
}
