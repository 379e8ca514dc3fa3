// Package file implements storage.Store on the local filesystem. Each key is
// one file holding a fixed header, the payload and a CRC32 footer; writes go
// to a unique temporary file that is renamed over the old one.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/errors"
)

const (
	MagicBytes    uint32 = 0x43545253
	FormatVersion uint32 = 1
	HeaderSize    int    = 16
	FooterSize    int    = 4
	fileExt              = ".state"
	lockExt              = ".lock"
	lockStale            = 30 * time.Second
	lockWait             = 10 * time.Second
)

// Store keeps state blobs as files under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Updater = (*Store)(nil)
)

// New creates the directory if needed and returns a Store rooted at it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: slog.Default().With("component", "file-store", "dir", dir),
	}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

// Put writes value under key. The previous file stays intact until the new
// one has been synced and renamed into place. Concurrent writers each get
// their own temporary file; the last rename wins.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	finalPath := s.path(key)

	f, err := os.CreateTemp(s.dir, key+fileExt+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp state file: %v", apperrors.ErrStorage, err)
	}
	tmpPath := f.Name()
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(value)))
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer, crc32.ChecksumIEEE(value))

	for _, part := range [][]byte{header, value, footer} {
		if _, err := f.Write(part); err != nil {
			return fmt.Errorf("%w: writing state file %s: %v", apperrors.ErrStorage, key, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing state file %s: %v", apperrors.ErrStorage, key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing state file %s: %v", apperrors.ErrStorage, key, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: renaming state file %s: %v", apperrors.ErrStorage, key, err)
	}
	if err := s.syncDir(); err != nil {
		return fmt.Errorf("%w: syncing state directory after %s: %v", apperrors.ErrStorage, key, err)
	}
	s.logger.Debug("state written", "key", key, "bytes", len(value))
	return nil
}

// syncDir flushes the directory entry so a completed rename survives a crash.
func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Update reads key, passes it to fn and writes the result while holding an
// exclusive lock file, so writers in other processes sharing the directory
// are serialised.
func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.Get(ctx, key)
	found := true
	if errors.Is(err, storage.ErrNotFound) {
		found, err = false, nil
	}
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, next)
}

// lock creates key's lock file exclusively, waiting for other holders until
// ctx is done or lockWait elapses. A lock file older than lockStale is assumed
// to belong to a crashed writer.
func (s *Store) lock(ctx context.Context, key string) (func(), error) {
	lockPath := s.path(key) + lockExt
	deadline := time.Now().Add(lockWait)
	delay := time.Millisecond
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: locking state %s: %v", apperrors.ErrStorage, key, err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStale {
			s.logger.Warn("removing stale state lock", "key", key, "age", time.Since(info.ModTime()))
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: state %s still locked after %s", apperrors.ErrStorage, key, lockWait)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = min(delay*2, 25*time.Millisecond)
	}
}

// Get reads and verifies the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading state file %s: %v", apperrors.ErrStorage, key, err)
	}
	return decode(key, data)
}

func decode(key string, data []byte) ([]byte, error) {
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: state file %s truncated (%d bytes)", apperrors.ErrMalformedState, key, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("%w: state file %s has bad magic bytes %x", apperrors.ErrMalformedState, key, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: state file %s has unsupported version %d", apperrors.ErrMalformedState, key, version)
	}
	size := binary.LittleEndian.Uint64(data[8:16])
	if size != uint64(len(data)-HeaderSize-FooterSize) {
		return nil, fmt.Errorf("%w: state file %s length mismatch", apperrors.ErrMalformedState, key)
	}
	payload := data[HeaderSize : HeaderSize+int(size)]
	want := binary.LittleEndian.Uint32(data[HeaderSize+int(size):])
	if got := crc32.ChecksumIEEE(payload); got != want {
		return nil, fmt.Errorf("%w: state file %s checksum mismatch", apperrors.ErrMalformedState, key)
	}
	return payload, nil
}

// Close is a no-op; files are closed after every operation.
func (s *Store) Close() error {
	return nil
}
