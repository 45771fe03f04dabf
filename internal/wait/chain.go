package wait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/canary/internal/chain"
)

// HeadSubscriber streams finalized headers.
type HeadSubscriber interface {
	SubscribeFinalizedHeads(ctx context.Context) (chain.Subscription[chain.Header], error)
}

// EventSource streams finalized headers and reads their event logs.
type EventSource interface {
	HeadSubscriber
	BlockEvents(ctx context.Context, blockHash string) ([]chain.Event, error)
}

// EventMatch selects events by module, name and optional field values.
type EventMatch struct {
	Module string
	Name   string
	Fields map[string]string
}

// Matches reports whether e satisfies the match.
func (m EventMatch) Matches(e chain.Event) bool {
	if e.Module != m.Module || e.Name != m.Name {
		return false
	}
	for k, want := range m.Fields {
		got, ok := e.Field(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// String returns "module.name".
func (m EventMatch) String() string {
	return m.Module + "." + m.Name
}

// errSubscriptionClosed is returned when a stream ends without an error.
var errSubscriptionClosed = errors.New("subscription closed")

// WaitForFinalization resolves once a finalized header at or above target is
// seen. A broken subscription is released and re-established until the
// deadline; every subscription taken is released exactly once.
func WaitForFinalization(ctx context.Context, heads HeadSubscriber, target uint64, spec DeadlineSpec) (chain.Header, error) {
	op := fmt.Sprintf("finalization of block %d", target)
	interval := spec.Interval
	if interval <= 0 {
		interval = spec.Timeout
	}
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var lastErr error
	for {
		h, err := watchHeads(waitCtx, heads, target)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil {
			return chain.Header{}, ctx.Err()
		}
		if waitCtx.Err() != nil {
			return chain.Header{}, &TimeoutError{Op: op, Waited: time.Since(start), LastErr: lastErr}
		}
		lastErr = err
		slog.Debug("finalized head subscription failed, resubscribing", "target", target, "error", err)
		if err := sleep(waitCtx, interval); err != nil {
			if ctx.Err() != nil {
				return chain.Header{}, ctx.Err()
			}
			return chain.Header{}, &TimeoutError{Op: op, Waited: time.Since(start), LastErr: lastErr}
		}
	}
}

func watchHeads(ctx context.Context, heads HeadSubscriber, target uint64) (chain.Header, error) {
	sub, err := heads.SubscribeFinalizedHeads(ctx)
	if err != nil {
		return chain.Header{}, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return chain.Header{}, ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = errSubscriptionClosed
			}
			return chain.Header{}, err
		case h, ok := <-sub.C():
			if !ok {
				return chain.Header{}, errSubscriptionClosed
			}
			if h.Number >= target {
				return h, nil
			}
		}
	}
}

// WaitForEvent subscribes to finalized blocks and returns the first event that
// satisfies match. Event-log read failures are skipped; the subscription is
// released exactly once whatever the outcome.
func WaitForEvent(ctx context.Context, src EventSource, match EventMatch, timeout time.Duration) (chain.Event, error) {
	op := "event " + match.String()
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := src.SubscribeFinalizedHeads(waitCtx)
	if err != nil {
		return chain.Event{}, fmt.Errorf("%s: subscribe: %w", op, err)
	}
	defer sub.Unsubscribe()

	var lastErr error
	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Op: op, Waited: time.Since(start), LastErr: lastErr}
	}

	for {
		select {
		case <-waitCtx.Done():
			return chain.Event{}, timedOut()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = errSubscriptionClosed
			}
			return chain.Event{}, fmt.Errorf("%s: %w", op, err)
		case h, ok := <-sub.C():
			if !ok {
				return chain.Event{}, fmt.Errorf("%s: %w", op, errSubscriptionClosed)
			}
			events, err := src.BlockEvents(waitCtx, h.Hash)
			if err != nil {
				if waitCtx.Err() != nil {
					return chain.Event{}, timedOut()
				}
				lastErr = err
				continue
			}
			for _, e := range events {
				if match.Matches(e) {
					return e, nil
				}
			}
		}
	}
}
