package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatbroker/pkg/metrics"
)

func newTestPool(workers, queue int) *Pool {
	p := NewPool(workers, queue, zerolog.Nop(), metrics.New())
	p.InitialInterval = time.Millisecond
	return p
}

func TestRetriesUntilSuccess(t *testing.T) {
	p := newTestPool(1, 4)
	p.Start(context.Background())

	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, p.Enqueue(&Task{
		Name:       "flaky",
		MaxRetries: 3,
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never succeeded")
	}
	p.Stop()
	assert.EqualValues(t, 3, calls.Load())
}

func TestNoRetryWhenZeroOrPermanent(t *testing.T) {
	p := newTestPool(2, 4)
	p.Start(context.Background())

	var plain, permanent atomic.Int32
	require.NoError(t, p.Enqueue(&Task{Name: "once", Run: func(ctx context.Context) error {
		plain.Add(1)
		return errors.New("fail")
	}}))
	require.NoError(t, p.Enqueue(&Task{Name: "permanent", MaxRetries: 5, Run: func(ctx context.Context) error {
		permanent.Add(1)
		return Permanent(errors.New("bad input"))
	}}))
	p.Stop()
	assert.EqualValues(t, 1, plain.Load())
	assert.EqualValues(t, 1, permanent.Load())
}

func TestEnqueueDoesNotBlockWhenFull(t *testing.T) {
	p := newTestPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	p.Start(context.Background())
	require.NoError(t, p.Enqueue(&Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.Enqueue(&Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}))
	assert.ErrorIs(t, p.Enqueue(&Task{Name: "dropped", Run: func(ctx context.Context) error { return nil }}), ErrQueueFull)
	close(release)
	p.Stop()
	assert.ErrorIs(t, p.Enqueue(&Task{Name: "late"}), ErrStopped)
}

func TestPanicIsContained(t *testing.T) {
	p := newTestPool(1, 2)
	p.Start(context.Background())
	var after atomic.Bool
	require.NoError(t, p.Enqueue(&Task{Name: "panics", MaxRetries: 2, Run: func(ctx context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, p.Enqueue(&Task{Name: "after", Run: func(ctx context.Context) error {
		after.Store(true)
		return nil
	}}))
	p.Stop()
	assert.True(t, after.Load())
}
