package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesJobs(t *testing.T) {
	done := make(chan string, 2)
	q := NewQueue("test", func(_ context.Context, job Job) error {
		done <- job.ID
		return nil
	}, QueueConfig{Workers: 2})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "a"}))
	require.NoError(t, q.Enqueue(Job{ID: "b"}))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("job not processed")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestQueueRetriesThenGivesUp(t *testing.T) {
	var calls int32
	gaveUp := make(chan Job, 1)
	q := NewQueue("test", func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}, QueueConfig{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnGiveUp:   func(_ context.Context, job Job, _ error) { gaveUp <- job },
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-1"}))

	select {
	case job := <-gaveUp:
		assert.Equal(t, "run-1", job.ID)
		assert.Equal(t, 3, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never gave up")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueuePermanentErrorSkipsRetries(t *testing.T) {
	gaveUp := make(chan error, 1)
	q := NewQueue("test", func(context.Context, Job) error {
		return Permanent(errors.New("infeasible"))
	}, QueueConfig{
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		OnGiveUp:   func(_ context.Context, _ Job, err error) { gaveUp <- err },
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-2"}))
	select {
	case err := <-gaveUp:
		assert.True(t, IsPermanent(err))
		assert.EqualError(t, err, "infeasible")
	case <-time.After(2 * time.Second):
		t.Fatal("job never gave up")
	}
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	q := NewQueue("idle", func(context.Context, Job) error { return nil }, QueueConfig{})
	assert.ErrorIs(t, q.Enqueue(Job{ID: "x"}), ErrNotStarted)
}

func TestQueueBacksOffBetweenRetries(t *testing.T) {
	var stamps []time.Time
	done := make(chan struct{})
	q := NewQueue("test", func(context.Context, Job) error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errors.New("db down")
		}
		close(done)
		return nil
	}, QueueConfig{MaxRetries: 3, RetryDelay: 20 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{ID: "run-3"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
}

func TestQueueStopInterruptsBackoff(t *testing.T) {
	attempted := make(chan struct{}, 1)
	q := NewQueue("test", func(context.Context, Job) error {
		attempted <- struct{}{}
		return errors.New("db down")
	}, QueueConfig{MaxRetries: 1, RetryDelay: time.Hour})
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(Job{ID: "run-4"}))
	<-attempted

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop waited for the backoff")
	}
	assert.ErrorIs(t, q.Enqueue(Job{ID: "late"}), ErrNotStarted)
	assert.Zero(t, q.Pending())
}
