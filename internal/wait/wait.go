// Package wait bridges the canary to eventually-consistent systems.
//
// Every primitive carries a finite budget and returns a *TimeoutError when it
// runs out; nothing here blocks forever. Errors raised by a check are treated
// as "not yet satisfied" and remembered, with two exceptions that always
// propagate: context cancellation and invariant violations.
package wait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/canary/internal/engine"
)

// PollSpec is a retry-count budget: Retries checks spaced Delay apart.
type PollSpec struct {
	Retries int           `yaml:"retries" json:"retries"`
	Delay   time.Duration `yaml:"delay" json:"delay"`
}

// Budget returns Retries × Delay.
func (s PollSpec) Budget() time.Duration {
	return time.Duration(s.Retries) * s.Delay
}

// DeadlineSpec is a wall-clock budget checked every Interval.
type DeadlineSpec struct {
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("wait timed out")

// TimeoutError reports an exhausted wait budget.
type TimeoutError struct {
	Op      string
	Waited  time.Duration
	LastErr error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s: timed out after %s (last error: %v)", e.Op, e.Waited.Round(time.Millisecond), e.LastErr)
	}
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Waited.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ErrorKind places timeouts in the engine taxonomy.
func (e *TimeoutError) ErrorKind() engine.Kind {
	return engine.KindTimeout
}

// IsTimeout reports whether err is a wait timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Check is one probe of remote state.
type Check func(ctx context.Context) (bool, error)

// PollService invokes check until it returns true or the budget runs out.
func PollService(ctx context.Context, op string, spec PollSpec, check Check) error {
	return poll(ctx, op, spec.Budget(), spec.Delay, check)
}

// PollUntil is PollService for a DeadlineSpec budget.
func PollUntil(ctx context.Context, op string, spec DeadlineSpec, check Check) error {
	return poll(ctx, op, spec.Timeout, spec.Interval, check)
}

// Bounded runs fn with timeout applied to its context. When the timeout, and
// not the caller's context, ends fn, the failure becomes a *TimeoutError
// carrying fn's error. A non-positive timeout leaves fn unbounded.
func Bounded[T any](ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(bctx)
	if err != nil && ctx.Err() == nil && bctx.Err() != nil {
		var zero T
		return zero, &TimeoutError{Op: op, Waited: time.Since(start), LastErr: err}
	}
	return v, err
}

// WaitForState polls query until pred holds for its result and returns that
// result.
func WaitForState[T any](ctx context.Context, op string, spec PollSpec, query func(ctx context.Context) (T, error), pred func(T) bool) (T, error) {
	var last T
	err := poll(ctx, op, spec.Budget(), spec.Delay, func(ctx context.Context) (bool, error) {
		v, err := query(ctx)
		if err != nil {
			return false, err
		}
		if pred(v) {
			last = v
			return true, nil
		}
		return false, nil
	})
	return last, err
}

// poll is the single loop behind every count/deadline shaped wait. It stops
// at the first true check, or once the budget has elapsed; the last sleep is
// trimmed so the overshoot is at most one check.
func poll(ctx context.Context, op string, budget, interval time.Duration, check Check) error {
	if interval <= 0 {
		interval = budget
	}
	start := time.Now()
	deadline := start.Add(budget)
	var lastErr error

	for attempt := 1; ; attempt++ {
		ok, err := check(ctx)
		switch {
		case err != nil && isFatal(ctx, err):
			return err
		case err != nil:
			lastErr = err
			slog.Debug("wait check failed, treating as not ready", "op", op, "attempt", attempt, "error", err)
		case ok:
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{Op: op, Waited: time.Since(start), LastErr: lastErr}
		}
		if err := sleep(ctx, min(interval, remaining)); err != nil {
			return err
		}
	}
}

// isFatal reports errors that must not be swallowed by a wait.
func isFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return engine.IsInvariantViolation(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
