// Package storage provides the key to blob stores behind the compilation cache.
//
// Every backend satisfies the same capability set (Get, Put, Exists, Delete)
// and the dispatcher only ever sees the Backend interface or the entry-level
// Store built on top of it. Backends:
//
//   - Local: a size-bounded directory tree with a bbolt index and LRU eviction
//   - S3: an S3-compatible object store
//   - HTTP: a plain GET/PUT remote cache server
//
// and decorators:
//
//   - Tiered: local first, remotes read-through and write-through
//   - Breaker: stops calling a failing remote for a cool-down period
//   - Encrypted: age encryption for blobs bound for shared stores
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Norgate-AV/compcache/internal/cache"
)

var (
	// ErrNotFound is returned by Get when no blob exists for a key
	ErrNotFound = errors.New("cache entry not found")

	// ErrUnavailable wraps any failure to reach a backend
	ErrUnavailable = errors.New("cache storage unavailable")
)

// Backend is the capability set every storage variant implements.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Atomicity: a Get concurrent with a Put sees either no blob or the complete blob.
//   - Get returns ErrNotFound on a miss; other errors mean the store could not answer.
//   - Delete is idempotent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// Location describes the backend for stats output
	Location() string

	Close() error
}

// Sizer is implemented by backends that track their own footprint
type Sizer interface {
	CurrentSize() int64
	MaxSize() int64
}

// unavailable wraps err so callers can match ErrUnavailable
func unavailable(op, location string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, location, err)
}

// Store reads and writes cache entries through a Backend
type Store struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewStore creates an entry store. timeout bounds every backend call; zero means no bound.
func NewStore(backend Backend, timeout time.Duration) *Store {
	return &Store{
		backend: backend,
		timeout: timeout,
		logger:  slog.Default().With("component", "store", "location", backend.Location()),
	}
}

// Backend returns the underlying backend
func (s *Store) Backend() Backend {
	return s.backend
}

// Get fetches and verifies the entry for key.
// Returns ErrNotFound on a miss. A damaged or mismatching entry is deleted
// and reported as a *cache.MismatchError; it is never returned to the caller.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	blob, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	entry, err := cache.Decode(blob)
	if err == nil {
		err = entry.Verify(key)
	} else {
		err = &cache.MismatchError{Key: key, Reason: err.Error()}
	}

	if err != nil {
		s.logger.Warn("evicting unusable cache entry", "key", key, "err", err)
		if delErr := s.backend.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to evict cache entry", "key", key, "err", delErr)
		}
		return nil, err
	}

	return entry, nil
}

// Put seals and stores entry under entry.Key
func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	entry.Seal()

	blob, err := cache.Encode(entry)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.backend.Put(ctx, entry.Key, blob)
}

// Exists reports whether an entry is stored for key. Errors read as absent.
func (s *Store) Exists(ctx context.Context, key string) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.backend.Exists(ctx, key)
	return err == nil && ok
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.timeout)
}
