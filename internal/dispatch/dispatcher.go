// Package dispatch turns "time has passed" into "jobs are handed to execution".
//
// The Dispatcher polls the store on a fixed interval. When the next due job is
// closer than the interval it sleeps only until then, and a push wakes it early,
// so latency is usually well under one poll interval.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"termsched/internal/job"
	"termsched/internal/queue"
	logx "termsched/pkg/logx"
)

const DefaultPollInterval = 100 * time.Millisecond

// Handoff delivers one job to execution. Returning nil transfers ownership.
type Handoff interface {
	Dispatch(ctx context.Context, j *job.Job) error
}

// HandoffFunc adapts a function to Handoff.
type HandoffFunc func(ctx context.Context, j *job.Job) error

func (f HandoffFunc) Dispatch(ctx context.Context, j *job.Job) error { return f(ctx, j) }

// ChanHandoff places jobs on a channel read by the executor. It blocks until
// the job is accepted or ctx is done.
type ChanHandoff chan<- *job.Job

func (c ChanHandoff) Dispatch(ctx context.Context, j *job.Job) error {
	select {
	case c <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Option func(*Dispatcher)

func WithPollInterval(d time.Duration) Option {
	return func(x *Dispatcher) { x.SetPollInterval(d) }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) { x.now = now }
}

// Stats are best-effort counters.
type Stats struct {
	Running       bool
	Dispatched    uint64
	HandoffErrors uint64
	Requeued      uint64
	PollInterval  time.Duration
}

type Dispatcher struct {
	store   *queue.Store
	handoff Handoff
	log     logx.Logger
	now     func() time.Time

	interval atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	dispatched    atomic.Uint64
	handoffErrors atomic.Uint64
	requeued      atomic.Uint64
}

func New(store *queue.Store, handoff Handoff, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{store: store, handoff: handoff, log: log, now: time.Now}
	d.interval.Store(int64(DefaultPollInterval))
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetPollInterval changes the idle sleep. Non-positive values reset the default.
func (d *Dispatcher) SetPollInterval(iv time.Duration) {
	if iv <= 0 {
		iv = DefaultPollInterval
	}
	d.interval.Store(int64(iv))
}

func (d *Dispatcher) PollInterval() time.Duration { return time.Duration(d.interval.Load()) }

// Start launches the polling loop. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(loopCtx, d.done)
	d.log.Info("dispatcher started", logx.Duration("poll_interval", d.PollInterval()))
}

// Stop signals the loop and waits for it to exit or ctx to end. Jobs already
// handed off are not affected.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}

	d.mu.Lock()
	if d.done == done {
		d.cancel, d.done = nil, nil
	}
	d.mu.Unlock()
	d.log.Info("dispatcher stopped", logx.Uint64("dispatched", d.dispatched.Load()))
	return nil
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	running := d.done != nil
	d.mu.Unlock()
	return Stats{
		Running:       running,
		Dispatched:    d.dispatched.Load(),
		HandoffErrors: d.handoffErrors.Load(),
		Requeued:      d.requeued.Load(),
		PollInterval:  d.PollInterval(),
	}
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		n := d.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			continue
		}

		t := time.NewTimer(d.nextWait())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-d.store.Wake():
			t.Stop()
		case <-t.C:
		}
	}
}

// nextWait is the poll interval, shortened to the next due time if sooner.
func (d *Dispatcher) nextWait() time.Duration {
	wait := d.PollInterval()
	if top, ok := d.store.Peek(); ok {
		until := time.Unix(top.ExecutionTime, 0).Sub(d.now())
		if until < 0 {
			until = 0
		}
		if until < wait {
			wait = until
		}
	}
	return wait
}

// Poll runs one cycle: pop every ready job and hand each off in order. It
// returns how many jobs were handed off. A failed handoff is logged and the
// job is failed; the rest of the batch still goes out. If ctx ends mid-batch,
// the undelivered jobs go back into the store.
func (d *Dispatcher) Poll(ctx context.Context) int {
	ready := d.store.PopReady(d.now().Unix())
	sent := 0
	for i, j := range ready {
		if ctx.Err() != nil {
			d.requeue(ready[i:])
			return sent
		}
		err := d.handoff.Dispatch(ctx, j)
		if err == nil {
			sent++
			d.dispatched.Add(1)
			continue
		}
		// Only our own shutdown requeues; a handoff's internal cancellation is
		// an ordinary failure, or the due job would be popped again at once.
		if ctx.Err() != nil {
			d.requeue(ready[i:])
			return sent
		}
		d.handoffErrors.Add(1)
		j.MarkFailed()
		d.log.Error("dispatch failed", logx.String("job", j.ID.String()), logx.String("function", j.Function), logx.Err(err))
	}
	return sent
}

func (d *Dispatcher) requeue(jobs []*job.Job) {
	for _, j := range jobs {
		if err := d.store.Push(j); err != nil {
			d.log.Error("requeue failed", logx.String("job", j.ID.String()), logx.Err(err))
			continue
		}
		d.requeued.Add(1)
	}
}
