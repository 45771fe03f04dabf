package wait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canary/internal/engine"
)

var fast = PollSpec{Retries: 20, Delay: 5 * time.Millisecond}

func TestPollService_SucceedsEventually(t *testing.T) {
	calls := 0
	err := PollService(context.Background(), "bucket indexed", fast, func(context.Context) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("404")
		}
		return calls >= 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollService_TimeoutKeepsLastError(t *testing.T) {
	spec := PollSpec{Retries: 3, Delay: 5 * time.Millisecond}
	notYet := errors.New("still indexing")

	err := PollService(context.Background(), "bucket indexed", spec, func(context.Context) (bool, error) {
		return false, notYet
	})

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, engine.KindTimeout, engine.KindOf(err))

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "bucket indexed", te.Op)
	assert.Same(t, notYet, te.LastErr)
	assert.GreaterOrEqual(t, te.Waited, spec.Budget())
	assert.Contains(t, err.Error(), "still indexing")
}

func TestPollService_InvariantViolationPropagates(t *testing.T) {
	calls := 0
	err := PollService(context.Background(), "op", fast, func(context.Context) (bool, error) {
		calls++
		return false, engine.NewInvariantError("artifact bucket", "required artifact not present")
	})

	assert.True(t, engine.IsInvariantViolation(err))
	assert.Equal(t, 1, calls)
}

func TestPollService_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := PollService(ctx, "op", PollSpec{Retries: 1000, Delay: time.Second}, func(context.Context) (bool, error) {
		cancel()
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}

func TestPollUntil_Deadline(t *testing.T) {
	start := time.Now()
	err := PollUntil(context.Background(), "op", DeadlineSpec{Timeout: 30 * time.Millisecond, Interval: 10 * time.Millisecond},
		func(context.Context) (bool, error) { return false, nil })

	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForState_ReturnsMatchingValue(t *testing.T) {
	n := 0
	v, err := WaitForState(context.Background(), "counter", fast,
		func(context.Context) (int, error) {
			n++
			return n, nil
		},
		func(v int) bool { return v >= 4 })

	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestPollSpec_Budget(t *testing.T) {
	assert.Equal(t, 2*time.Minute, PollSpec{Retries: 60, Delay: 2 * time.Second}.Budget())
}

func TestBounded_TimeoutBecomesTimeoutError(t *testing.T) {
	_, err := Bounded(context.Background(), "receipt 0xtx0001", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "receipt 0xtx0001", te.Op)
	assert.ErrorIs(t, te.LastErr, context.DeadlineExceeded)
	assert.Equal(t, engine.KindTimeout, engine.KindOf(err))
}

func TestBounded_PassesThroughResultAndErrors(t *testing.T) {
	v, err := Bounded(context.Background(), "quick", time.Second, func(context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	boom := errors.New("boom")
	_, err = Bounded(context.Background(), "quick", time.Second, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeout(err))
}

func TestBounded_CallerCancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := Bounded(ctx, "receipt", time.Minute, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeout(err))
}
