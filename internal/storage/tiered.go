package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tiered layers a local backend over zero or more remote backends.
// Reads try local first and then each remote in order, populating the local
// tier on a remote hit. Writes go to every tier. Each remote call is bounded
// by the remote timeout; a slow or failing remote reads as a miss.
type Tiered struct {
	local   Backend
	remotes []Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewTiered creates a tiered backend
func NewTiered(local Backend, remotes []Backend, remoteTimeout time.Duration) *Tiered {
	return &Tiered{
		local:   local,
		remotes: remotes,
		timeout: remoteTimeout,
		logger:  slog.Default().With("component", "storage.tiered"),
	}
}

// Location implements Backend
func (t *Tiered) Location() string {
	parts := []string{t.local.Location()}
	for _, r := range t.remotes {
		parts = append(parts, r.Location())
	}

	return strings.Join(parts, ", ")
}

// CurrentSize implements Sizer for the local tier
func (t *Tiered) CurrentSize() int64 {
	if s, ok := t.local.(Sizer); ok {
		return s.CurrentSize()
	}

	return 0
}

// MaxSize implements Sizer for the local tier
func (t *Tiered) MaxSize() int64 {
	if s, ok := t.local.(Sizer); ok {
		return s.MaxSize()
	}

	return 0
}

// Get implements Backend
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.local.Get(ctx, key)
	if err == nil {
		return data, nil
	}

	if !errors.Is(err, ErrNotFound) {
		t.logger.Warn("local cache read failed", "key", key, "err", err)
	}

	var remoteErr error
	for _, r := range t.remotes {
		rctx, cancel := t.remoteContext(ctx)
		data, err := r.Get(rctx, key)
		cancel()

		if err == nil {
			if perr := t.local.Put(ctx, key, data); perr != nil {
				t.logger.Warn("failed to populate local cache", "key", key, "err", perr)
			}
			return data, nil
		}

		if !errors.Is(err, ErrNotFound) {
			t.logger.Debug("remote cache read failed", "location", r.Location(), "err", err)
			if remoteErr == nil {
				remoteErr = err
			}
		}
	}

	if remoteErr != nil {
		return nil, remoteErr
	}

	return nil, ErrNotFound
}

// Put implements Backend
func (t *Tiered) Put(ctx context.Context, key string, blob []byte) error {
	localErr := t.local.Put(ctx, key, blob)

	g, gctx := errgroup.WithContext(ctx)
	remoteErrs := make([]error, len(t.remotes))

	for i, r := range t.remotes {
		g.Go(func() error {
			rctx, cancel := t.remoteContext(gctx)
			defer cancel()

			if err := r.Put(rctx, key, blob); err != nil {
				t.logger.Warn("remote cache write failed", "location", r.Location(), "key", key, "err", err)
				remoteErrs[i] = err
			}
			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(append([]error{localErr}, remoteErrs...)...)
}

// Exists implements Backend
func (t *Tiered) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := t.local.Exists(ctx, key); err == nil && ok {
		return true, nil
	}

	for _, r := range t.remotes {
		rctx, cancel := t.remoteContext(ctx)
		ok, err := r.Exists(rctx, key)
		cancel()

		if err == nil && ok {
			return true, nil
		}
	}

	return false, nil
}

// Delete implements Backend
func (t *Tiered) Delete(ctx context.Context, key string) error {
	errs := []error{t.local.Delete(ctx, key)}

	for _, r := range t.remotes {
		rctx, cancel := t.remoteContext(ctx)
		errs = append(errs, r.Delete(rctx, key))
		cancel()
	}

	return errors.Join(errs...)
}

// Close implements Backend
func (t *Tiered) Close() error {
	errs := []error{t.local.Close()}
	for _, r := range t.remotes {
		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

func (t *Tiered) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, t.timeout)
}
