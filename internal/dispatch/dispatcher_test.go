package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"termsched/internal/job"
	"termsched/internal/queue"
	logx "termsched/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func mustJob(t *testing.T, due int64, prio uint8, fn string) *job.Job {
	t.Helper()
	j, err := job.New(due, prio, "test "+fn, fn, 1)
	require.NoError(t, err)
	return j
}

func TestPollHandsOffInOrder(t *testing.T) {
	t.Parallel()
	const T = int64(1_700_000_000)
	clock := &fakeClock{now: time.Unix(T, 0)}
	store := queue.New()
	a := mustJob(t, T+1, 5, "a")
	b := mustJob(t, T+3, 1, "b")
	c := mustJob(t, T+1, 1, "c")
	for _, j := range []*job.Job{a, b, c} {
		require.NoError(t, store.Push(j))
	}

	var got []string
	d := New(store, HandoffFunc(func(ctx context.Context, j *job.Job) error {
		got = append(got, j.Function)
		return nil
	}), logx.Nop(), WithClock(clock.Now))

	assert.Zero(t, d.Poll(context.Background()))
	clock.Set(time.Unix(T+1, 0))
	assert.Equal(t, 2, d.Poll(context.Background()))
	assert.Equal(t, []string{"a", "c"}, got)
	clock.Set(time.Unix(T+3, 0))
	assert.Equal(t, 1, d.Poll(context.Background()))
	assert.Equal(t, []string{"a", "c", "b"}, got)
}

func TestPollContinuesAfterHandoffError(t *testing.T) {
	t.Parallel()
	store := queue.New()
	bad := mustJob(t, 1, 9, "bad")
	good := mustJob(t, 1, 1, "good")
	require.NoError(t, store.Push(bad))
	require.NoError(t, store.Push(good))

	var got []string
	d := New(store, HandoffFunc(func(ctx context.Context, j *job.Job) error {
		if j.Function == "bad" {
			return errors.New("executor rejected")
		}
		got = append(got, j.Function)
		return nil
	}), logx.Nop())

	assert.Equal(t, 1, d.Poll(context.Background()))
	assert.Equal(t, []string{"good"}, got)
	assert.Equal(t, job.Failed, bad.Status)
	assert.Equal(t, uint64(1), d.Stats().HandoffErrors)
	assert.Zero(t, store.Len())
}

func TestPollRequeuesOnCancel(t *testing.T) {
	t.Parallel()
	store := queue.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Push(mustJob(t, 1, uint8(i), "x")))
	}
	ch := make(chan *job.Job, 1)
	ctx, cancel := context.WithCancel(context.Background())
	d := New(store, HandoffFunc(func(c context.Context, j *job.Job) error {
		err := ChanHandoff(ch).Dispatch(c, j)
		if err == nil {
			cancel() // stop accepting after the first one
		}
		return err
	}), logx.Nop())

	assert.Equal(t, 1, d.Poll(ctx))
	assert.Len(t, ch, 1)
	assert.Equal(t, 2, store.Len(), "undelivered jobs return to the store")
	assert.Equal(t, uint64(2), d.Stats().Requeued)
}

func TestPollHandoffCancellationIsAFailure(t *testing.T) {
	t.Parallel()
	store := queue.New()
	j := mustJob(t, 1, 1, "x")
	require.NoError(t, store.Push(j))

	calls := 0
	d := New(store, HandoffFunc(func(c context.Context, j *job.Job) error {
		calls++
		inner, cancel := context.WithCancel(c)
		cancel()
		return inner.Err()
	}), logx.Nop())

	assert.Zero(t, d.Poll(context.Background()))
	assert.Zero(t, d.Poll(context.Background()))
	assert.Equal(t, 1, calls, "the job is not popped again")
	assert.Zero(t, store.Len())
	assert.Equal(t, job.Failed, j.Status)
	assert.Equal(t, uint64(1), d.Stats().HandoffErrors)
	assert.Zero(t, d.Stats().Requeued)
}

func TestLoopDispatchesAndStops(t *testing.T) {
	t.Parallel()
	store := queue.New()
	ch := make(chan *job.Job, 8)
	d := New(store, ChanHandoff(ch), logx.Nop(), WithPollInterval(5*time.Millisecond))

	ctx := context.Background()
	d.Start(ctx)
	d.Start(ctx) // idempotent

	now := time.Now().Unix()
	require.NoError(t, store.Push(mustJob(t, now, 1, "due")))
	require.NoError(t, store.Push(mustJob(t, now+3600, 1, "later")))

	select {
	case j := <-ch:
		assert.Equal(t, "due", j.Function)
	case <-time.After(time.Second):
		t.Fatal("due job was not dispatched")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
	assert.False(t, d.Stats().Running)
	assert.Equal(t, 1, store.Len())

	// A job due after stop stays in the store.
	require.NoError(t, store.Push(mustJob(t, now, 1, "after_stop")))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ch)
	assert.NoError(t, d.Stop(stopCtx))
}

func TestNextWaitUsesPeek(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := queue.New()
	d := New(store, HandoffFunc(func(context.Context, *job.Job) error { return nil }), logx.Nop(),
		WithClock(clock.Now), WithPollInterval(10*time.Second))

	assert.Equal(t, 10*time.Second, d.nextWait())
	require.NoError(t, store.Push(mustJob(t, 1003, 1, "soon")))
	assert.Equal(t, 3*time.Second, d.nextWait())
	clock.Set(time.Unix(1010, 0))
	assert.Zero(t, d.nextWait())

	d.SetPollInterval(0)
	assert.Equal(t, DefaultPollInterval, d.PollInterval())
}
