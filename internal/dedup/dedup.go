// Package dedup ensures at most one real compilation runs per fingerprint.
//
// The first caller for a fingerprint becomes the owner and runs the work; every
// caller that arrives while it is in flight waits for the owner's result and
// receives the same value. The slot is released only after the work function
// returns, so anything it stored is visible to the next caller.
package dedup

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group coordinates in-flight work keyed by fingerprint
type Group[T any] struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// Result is what Do hands back to the owner and every waiter
type Result[T any] struct {
	Value T
	Err   error

	// Owner is true for the caller whose work function ran
	Owner bool

	// Shared is true when the value was delivered to more than one caller
	Shared bool
}

// Do runs fn for key unless a call for key is already in flight, in which case
// it waits for that call's result.
//
// fn runs detached from ctx: a caller giving up (ctx done) stops waiting and
// gets ctx.Err(), but the work continues so other waiters and later requests
// can use its result.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) Result[T] {
	var owner atomic.Bool

	ch := g.sf.DoChan(key, func() (any, error) {
		owner.Store(true)
		g.inflight.Add(1)
		defer g.inflight.Add(-1)

		return fn()
	})

	select {
	case res := <-ch:
		var v T
		if res.Val != nil {
			v = res.Val.(T)
		}
		return Result[T]{Value: v, Err: res.Err, Owner: owner.Load(), Shared: res.Shared}
	case <-ctx.Done():
		var zero T
		return Result[T]{Value: zero, Err: ctx.Err(), Owner: owner.Load()}
	}
}

// InFlight returns the number of work functions currently running
func (g *Group[T]) InFlight() int64 {
	return g.inflight.Load()
}
