package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_BoundsInFlight(t *testing.T) {
	items := make([]int, 10)
	var inFlight, maxInFlight atomic.Int32
	var done atomic.Int32

	err := Run(context.Background(), items, 3, func(ctx context.Context, i int, _ int) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(10), done.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.Greater(t, maxInFlight.Load(), int32(1), "work should overlap")
}

func TestRun_ReportsFirstError(t *testing.T) {
	boom := errors.New("boom")
	var mu sync.Mutex
	seen := map[int]bool{}

	err := Run(context.Background(), []string{"a", "b", "c"}, 1, func(ctx context.Context, i int, item string) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		if item == "b" {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, seen[2], "items after a failure are not dispatched")
}

func TestRun_InvalidWidth(t *testing.T) {
	err := Run(context.Background(), []int{1}, 0, func(context.Context, int, int) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "width")
}

func TestSequential_OrderAndStop(t *testing.T) {
	boom := errors.New("boom")
	var order []int

	err := Sequential(context.Background(), []int{10, 20, 30, 40}, func(ctx context.Context, i int, item int) error {
		order = append(order, item)
		if item == 30 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{10, 20, 30}, order)
}

func TestSequential_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false

	err := Sequential(ctx, []int{1}, func(context.Context, int, int) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestStatuses_Concurrent(t *testing.T) {
	s := NewStatuses[int, string]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(i, "done")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	v, ok := s.Get(7)
	assert.True(t, ok)
	assert.Equal(t, "done", v)

	snap := s.Snapshot()
	snap[7] = "mutated"
	v, _ = s.Get(7)
	assert.Equal(t, "done", v, "snapshot is a copy")
}
