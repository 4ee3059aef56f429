package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunsTasks(t *testing.T) {
	r := NewRunner(4)
	var ran atomic.Int32

	for i := 0; i < 10; i++ {
		r.Go(context.Background(), "work", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(10), ran.Load())
}

func TestRunnerDropsAfterClose(t *testing.T) {
	r := NewRunner(1)
	ctx := context.Background()
	require.NoError(t, r.Close(ctx))

	var ran atomic.Bool
	r.Go(ctx, "late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "tasks after Close are dropped")
}

func TestRunnerGoDoesNotBlockAtCapacity(t *testing.T) {
	r := NewRunner(1)
	release := make(chan struct{})
	r.Go(context.Background(), "parked", func(ctx context.Context) error {
		<-release
		return nil
	})
	// Give the parked task time to take the only slot.
	time.Sleep(20 * time.Millisecond)

	var ran atomic.Bool
	start := time.Now()
	r.Go(context.Background(), "queued", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Go blocked the caller for %v at capacity", elapsed)
	}

	close(release)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))
	assert.True(t, ran.Load(), "queued task ran after the slot freed")
}

func TestRunnerDrainKeepsRunnerOpen(t *testing.T) {
	r := NewRunner(2)
	ctx := context.Background()

	var first atomic.Bool
	r.Go(ctx, "first", func(ctx context.Context) error {
		first.Store(true)
		return nil
	})

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Drain(drainCtx))
	assert.True(t, first.Load())

	var second atomic.Bool
	r.Go(ctx, "second", func(ctx context.Context) error {
		second.Store(true)
		return nil
	})
	require.NoError(t, r.Close(drainCtx))
	assert.True(t, second.Load(), "runner accepts work after Drain")
}

func TestRunnerSurvivesPanicsAndErrors(t *testing.T) {
	r := NewRunner(2)
	ctx := context.Background()

	r.Go(ctx, "panics", func(ctx context.Context) error {
		panic("boom")
	})
	r.Go(ctx, "fails", func(ctx context.Context) error {
		return errors.New("nope")
	})

	var ran atomic.Bool
	r.Go(ctx, "fine", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))
	assert.True(t, ran.Load())
}

func TestRunnerDetachesFromRequestContext(t *testing.T) {
	r := NewRunner(1)
	reqCtx, cancelReq := context.WithCancel(context.Background())

	done := make(chan struct{})
	r.Go(reqCtx, "outlives-request", func(ctx context.Context) error {
		<-time.After(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Error("task context should not be cancelled by the request")
		}
		close(done)
		return nil
	})
	cancelReq()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(closeCtx))
}
