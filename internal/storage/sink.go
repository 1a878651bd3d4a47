package storage

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

// Persister writes every snapshot synchronously. Failures are logged and
// dropped; the in-memory store stays authoritative.
type Persister struct {
	backend Backend
	log     logx.Logger
	timeout time.Duration

	failures atomic.Uint64
}

var _ queue.Sink = (*Persister)(nil)

func NewPersister(b Backend, log logx.Logger) *Persister {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Persister{backend: b, log: log, timeout: 5 * time.Second}
}

func (p *Persister) Persist(snapshot []job.Job) {
	if p == nil || p.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.backend.Save(ctx, job.Records(snapshot)); err != nil {
		p.failures.Add(1)
		p.log.Error("persist failed", logx.Int("jobs", len(snapshot)), logx.Err(err))
	}
}

// Failures counts snapshots that could not be written.
func (p *Persister) Failures() uint64 { return p.failures.Load() }

// Async hands snapshots to a background writer. Only the newest pending
// snapshot is kept; intermediate ones are superseded before they are written.
type Async struct {
	p *Persister

	mu      sync.Mutex
	pending []job.Job
	has     bool
	closed  bool

	kick chan struct{}
	done chan struct{}

	written    atomic.Uint64
	superseded atomic.Uint64
}

var _ queue.Sink = (*Async)(nil)

func NewAsync(b Backend, log logx.Logger) *Async {
	return &Async{
		p:    NewPersister(b, log),
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (a *Async) Persist(snapshot []job.Job) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.has {
		a.superseded.Add(1)
	}
	a.pending, a.has = snapshot, true
	a.mu.Unlock()

	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run writes snapshots until ctx is done, then flushes the last pending one.
func (a *Async) Run(ctx context.Context) error {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return nil
		case <-a.kick:
			a.flush()
		}
	}
}

func (a *Async) flush() {
	a.mu.Lock()
	snap, ok := a.pending, a.has
	a.pending, a.has = nil, false
	a.mu.Unlock()
	if !ok {
		return
	}
	a.p.Persist(snap)
	a.written.Add(1)
}

// Close stops accepting snapshots and waits for Run to write the last one.
// Run must have been started and its context canceled, or Close waits for ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("storage flush: %w", ctx.Err())
	}
}

// Stats reports written and superseded snapshot counts, plus write failures.
func (a *Async) Stats() (written, superseded, failures uint64) {
	return a.written.Load(), a.superseded.Load(), a.p.Failures()
}

// Restore loads persisted jobs into store. Invalid records are skipped and
// logged. Jobs left Running by a previous process are reset to Pending.
// It returns the number of jobs loaded.
func Restore(ctx context.Context, b Backend, store *queue.Store, log logx.Logger) (int, error) {
	if b == nil {
		return 0, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	records, err := b.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	jobs := make([]*job.Job, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		j, err := job.FromRecord(r)
		if err != nil {
			log.Warn("skipping invalid persisted job", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		if _, dup := seen[j.ID.String()]; dup {
			log.Warn("skipping duplicate persisted job", logx.String("id", r.ID))
			continue
		}
		seen[j.ID.String()] = struct{}{}
		switch j.Status {
		case job.Running:
			j.Status = job.Pending
		case job.Completed, job.Failed:
			log.Debug("skipping terminal persisted job", logx.String("id", r.ID), logx.String("status", j.Status.String()))
			continue
		}
		jobs = append(jobs, j)
	}
	if err := store.Load(jobs); err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	log.Info("jobs restored", logx.Int("count", len(jobs)), logx.Int("records", len(records)))
	return len(jobs), nil
}
