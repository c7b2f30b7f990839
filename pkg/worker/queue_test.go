package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"fedcore/pkg/federation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastBackoff(attempts int) federation.Backoff {
	return federation.Backoff{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestQueueRunsJobs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	all := make(chan struct{})
	q := New(func(_ context.Context, job int) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, job)
		if len(seen) == 10 {
			close(all)
		}
		return nil
	}, Options{Workers: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs not processed")
	}
	cancel()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)

	assert.ErrorIs(t, q.Enqueue(context.Background(), 11), ErrClosed)
}

func TestQueueDeferRetries(t *testing.T) {
	var attempts atomic.Int32
	finished := make(chan struct{})

	type job struct{ attempt int }
	var q *Queue[job]
	q = New(func(ctx context.Context, j job) error {
		attempts.Add(1)
		if j.attempt < 2 {
			next := j.attempt + 1
			assert.True(t, q.Defer(ctx, job{attempt: next}, next))
			return errors.New("not yet")
		}
		close(finished)
		return nil
	}, Options{Workers: 1, Backoff: fastBackoff(5)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, job{}))
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("deferred job never ran")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDeferExhausted(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, Options{Backoff: fastBackoff(3)})
	defer q.Close()

	assert.False(t, q.Defer(context.Background(), 1, 3))
	assert.False(t, q.Defer(context.Background(), 1, 4))
}

func TestDeferAfterClose(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, Options{Backoff: fastBackoff(3)})
	q.Close()
	assert.False(t, q.Defer(context.Background(), 1, 0))
}

func TestCloseDropsPendingDeferred(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, Options{
		Backoff: federation.Backoff{BaseDelay: time.Hour, MaxAttempts: 5},
	})
	done := make(chan error)
	go func() { done <- q.Run(context.Background()) }()

	require.True(t, q.Defer(context.Background(), 1, 0))
	q.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestRunTwice(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, Options{})
	done := make(chan error)
	go func() { done <- q.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.running
	}, time.Second, time.Millisecond)
	assert.Error(t, q.Run(context.Background()))

	q.Close()
	require.NoError(t, <-done)
}

func TestEnqueueHonorsContext(t *testing.T) {
	q := New(func(context.Context, int) error { return nil }, Options{Capacity: 1})
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, 2), context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestQueueMetrics(t *testing.T) {
	metrics := federation.NewMetrics(prometheus.NewRegistry())
	ran := make(chan struct{}, 2)
	q := New(func(_ context.Context, job int) error {
		defer func() { ran <- struct{}{} }()
		if job == 0 {
			return errors.New("boom")
		}
		return nil
	}, Options{Metrics: metrics})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- q.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, 0))
	require.NoError(t, q.Enqueue(ctx, 1))
	<-ran
	<-ran
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobsRun.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.JobsRun.WithLabelValues("error")))
}
