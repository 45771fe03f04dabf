// Package batch runs per-item sub-work of a stage.
//
// Run is the bounded pool for idempotent, HTTP-bound work (uploads, downloads,
// receipt confirmation). Sequential is its strictly ordered counterpart and is
// the only one allowed for ledger submission.
package batch

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every item with at most width calls in flight.
//
// Items are dispatched in input order; completion order is unspecified. The
// first error returned by any call is reported once all started calls have
// returned. After a failure, items not yet dispatched are skipped, since the
// group context is cancelled.
func Run[T any](ctx context.Context, items []T, width int, fn func(ctx context.Context, i int, item T) error) error {
	if width < 1 {
		return fmt.Errorf("batch width must be at least 1, got %d", width)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(width)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up only after another call failed.
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i, item)
		})
	}
	return g.Wait()
}

// Sequential calls fn for each item in order, one at a time, stopping at the
// first error.
func Sequential[T any](ctx context.Context, items []T, fn func(ctx context.Context, i int, item T) error) error {
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, i, item); err != nil {
			return err
		}
	}
	return nil
}

// Statuses is per-item bookkeeping safe for concurrent writers.
type Statuses[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

// NewStatuses creates an empty status map.
func NewStatuses[K comparable, V any]() *Statuses[K, V] {
	return &Statuses[K, V]{m: make(map[K]V)}
}

// Set records v for k.
func (s *Statuses[K, V]) Set(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// Get returns the value recorded for k.
func (s *Statuses[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok
}

// Len returns the number of recorded keys.
func (s *Statuses[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Snapshot returns a copy of the map.
func (s *Statuses[K, V]) Snapshot() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.m)
}
