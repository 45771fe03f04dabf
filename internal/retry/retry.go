// Package retry wraps fallible operations with classification-aware retry.
//
// The executor knows nothing about HTTP or the chain. Callers supply a
// Classifier that maps an error to a Classification; the executor only
// decides when to try again and how long to sleep.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Policy bounds an operation's retries.
//
// Exponential backoff applies to ordinary retryable errors:
//
//	delay(n) = min(MaxDelay, BaseDelay × 1.5^(n-1))
//
// Once MinAttempts attempts have been made, no further attempt starts later
// than MaxTotal after the first one. Paced (domain conflict) errors follow
// ConflictSchedule instead and stop when it is exhausted.
type Policy struct {
	MinAttempts      int             `yaml:"min_attempts" json:"min_attempts"`
	MaxTotal         time.Duration   `yaml:"max_total" json:"max_total"`
	BaseDelay        time.Duration   `yaml:"base_delay" json:"base_delay"`
	MaxDelay         time.Duration   `yaml:"max_delay" json:"max_delay"`
	ConflictSchedule []time.Duration `yaml:"conflict_schedule" json:"conflict_schedule"`
}

// DefaultPolicy is used when configuration leaves the policy empty.
func DefaultPolicy() Policy {
	return Policy{
		MinAttempts:      3,
		MaxTotal:         2 * time.Minute,
		BaseDelay:        time.Second,
		MaxDelay:         15 * time.Second,
		ConflictSchedule: []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second},
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(1.5, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Classification tells the executor what a failure means.
type Classification struct {
	// Retryable allows another attempt within the policy budget.
	Retryable bool

	// NeedsReauth runs the reauthentication hook before the next attempt.
	NeedsReauth bool

	// Paced marks a domain conflict retried on ConflictSchedule.
	Paced bool
}

// Classifier maps an operation's error to a Classification.
type Classifier func(err error) Classification

// Clock abstracts time so tests can run long schedules instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses the wall clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d or until ctx is done.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
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

type options struct {
	name   string
	clock  Clock
	logger *slog.Logger
	reauth func(ctx context.Context) error
}

// Option configures a single Do call.
type Option func(*options)

// WithName labels log lines for the operation.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReauth registers the side-effect run before retrying a NeedsReauth
// failure. Its own failure is logged and the retry proceeds anyway.
func WithReauth(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.reauth = fn }
}

// Do runs op until it succeeds or the policy gives up, returning the last
// error unchanged.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), classify Classifier, policy Policy, opts ...Option) (T, error) {
	o := options{name: "operation", clock: RealClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	start := o.clock.Now()
	conflicts := 0

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				o.logger.Debug("operation succeeded after retry", "op", o.name, "attempts", attempt)
			}
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}

		c := classify(err)
		elapsed := o.clock.Now().Sub(start)

		var delay time.Duration
		switch {
		case c.Paced:
			if conflicts >= len(policy.ConflictSchedule) {
				o.logger.Warn("conflict schedule exhausted", "op", o.name, "attempts", attempt, "error", err)
				return zero, err
			}
			delay = policy.ConflictSchedule[conflicts]
			conflicts++
		case !c.Retryable:
			return zero, err
		default:
			delay = policy.Backoff(attempt)
			if attempt >= policy.MinAttempts && elapsed+delay > policy.MaxTotal {
				o.logger.Warn("retry budget exhausted", "op", o.name, "attempts", attempt, "elapsed", elapsed, "error", err)
				return zero, err
			}
		}

		if c.NeedsReauth && o.reauth != nil {
			if rerr := o.reauth(ctx); rerr != nil {
				o.logger.Warn("reauthentication failed, retrying anyway", "op", o.name, "error", rerr)
			}
		}

		o.logger.Info("retrying", "op", o.name, "attempt", attempt, "delay", delay, "paced", c.Paced, "error", err)
		if serr := o.clock.Sleep(ctx, delay); serr != nil {
			return zero, err
		}
	}
}
