// Package storage defines the persistence seam used by the index, the
// feedback log and the CTR model. Each of them serialises its full state to a
// single blob under a well-known key; backends only need atomic whole-value
// put and get.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = fmt.Errorf("storage key %w", apperrors.ErrNotFound)

// Store persists opaque state blobs. Put must replace the previous value
// atomically: a reader sees either the old or the new blob, never a mix.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// ValidateKey rejects keys that cannot be mapped safely onto every backend.
func ValidateKey(key string) error {
	if key == "" {
		return apperrors.New(apperrors.ErrInvalidInput, "storage key is empty")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return apperrors.Newf(apperrors.ErrInvalidInput, "storage key %q contains a path separator", key)
	}
	return nil
}

// UpdateFunc receives the current value (found is false when the key is
// absent) and returns the value to store. Returning an error aborts the
// update without writing.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Updater is implemented by stores that can read-modify-write a key
// atomically with respect to other writers, including other processes.
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Update applies fn through the store's Updater when it has one and falls
// back to Get followed by Put otherwise.
func Update(ctx context.Context, store Store, key string, fn UpdateFunc) error {
	if u, ok := store.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	current, err := store.Get(ctx, key)
	found := true
	if errors.Is(err, ErrNotFound) {
		found, err = false, nil
	}
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, next)
}
