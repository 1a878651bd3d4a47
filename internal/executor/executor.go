// Package executor maps a job's function name to a registered handler, runs
// it, and applies the retry policy.
//
// Handlers report failure by returning an error. A missing handler, a returned
// error and a recovered panic all count as a failed attempt and go through
// FailAndRetry. Retries happen in place: Process re-invokes the same job after
// a backoff instead of putting it back in the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"termsched/internal/eventbus"
	"termsched/internal/job"
	"termsched/internal/notify"
	logx "termsched/pkg/logx"
)

// Handler performs the work behind a job function name. out is the
// fire-and-forget progress channel; it must not be used after returning.
type Handler func(ctx context.Context, out chan<- string) error

// Outcome is the result of a single attempt.
type Outcome uint8

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeWillRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeWillRetry:
		return "will_retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config controls execution.
type Config struct {
	// Workers is the number of consumers started by Start. 1 keeps handler side
	// effects strictly sequential.
	Workers int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// HistoryItem records how a job ended.
type HistoryItem struct {
	ID       string
	Function string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Outcome  Outcome
	Error    string
}

type Executor struct {
	mu       sync.RWMutex
	cfg      Config
	registry map[string]Handler

	log    logx.Logger
	bus    eventbus.Bus
	outbox *notify.Outbox

	// requeue receives jobs that still had retries left when execution was
	// canceled, so they are not lost on shutdown.
	requeue func(*job.Job) error

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds an executor with an empty registry. outbox and bus may be nil;
// a nil outbox drops messages once its buffer is full.
func New(cfg Config, outbox *notify.Outbox, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if outbox == nil {
		outbox = notify.NewOutbox(1, nil)
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		registry: map[string]Handler{},
		log:      log,
		bus:      bus,
		outbox:   outbox,
	}
}

// Apply swaps the retry/backoff settings. Workers only change on the next Start.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetRequeue installs the hook for jobs abandoned mid-retry by cancellation.
func (e *Executor) SetRequeue(fn func(*job.Job) error) {
	e.mu.Lock()
	e.requeue = fn
	e.mu.Unlock()
}

// Register binds name to h, replacing any previous handler.
func (e *Executor) Register(name string, h Handler) {
	e.mu.Lock()
	e.registry[name] = h
	e.mu.Unlock()
	e.log.Debug("handler registered", logx.String("function", name))
}

// Handler returns the handler registered under name.
func (e *Executor) Handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.registry[name]
	return h, ok && h != nil
}

// Names lists registered function names, sorted.
func (e *Executor) Names() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.registry))
	for k := range e.registry {
		out = append(out, k)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RunJob performs one attempt of j and returns the outcome plus the attempt's
// error (nil on success).
func (e *Executor) RunJob(ctx context.Context, j *job.Job) (Outcome, error) {
	h, ok := e.Handler(j.Function)
	if !ok {
		err := fmt.Errorf("%s: %w", j.Function, job.ErrHandlerMissing)
		e.log.Warn("job.handler_missing", logx.String("job", j.ID.String()), logx.String("function", j.Function))
		return e.fail(j, err), err
	}

	j.Start()
	attempt := int(j.RetryCount) + 1
	e.outbox.Send(fmt.Sprintf("executing %s", j.Function))
	e.publish(eventbus.JobStarted, j, attempt, 0, nil)
	e.log.Debug("job.started", logx.String("job", j.ID.String()), logx.String("function", j.Function), logx.Int("attempt", attempt))

	start := time.Now()
	err := e.call(ctx, j, h)
	dur := time.Since(start)

	if err == nil {
		j.Complete()
		e.outbox.Send(fmt.Sprintf("completed %s", j.Function))
		e.publish(eventbus.JobCompleted, j, attempt, dur, nil)
		e.log.Info("job.completed", logx.String("job", j.ID.String()), logx.String("function", j.Function), logx.Duration("dur", dur), logx.Int("attempt", attempt))
		return OutcomeCompleted, nil
	}

	if IsNoRetry(err) {
		j.MarkFailed()
		e.reportFailed(j, attempt, dur, err)
		return OutcomeFailed, err
	}
	return e.failAfter(j, attempt, dur, err), err
}

// FailAndRetry records a failed attempt on j and reports the result. The
// retry bound itself lives in job.FailAndRetry.
func (e *Executor) FailAndRetry(j *job.Job) job.RetryOutcome {
	if e.fail(j, nil) == OutcomeWillRetry {
		return job.WillRetry
	}
	return job.Exhausted
}

func (e *Executor) fail(j *job.Job, cause error) Outcome {
	return e.failAfter(j, int(j.RetryCount)+1, 0, cause)
}

func (e *Executor) failAfter(j *job.Job, attempt int, dur time.Duration, cause error) Outcome {
	if j.FailAndRetry() == job.WillRetry {
		e.outbox.Send(fmt.Sprintf("failed %s, will retry %d/%d", j.Function, j.RetryCount, j.MaxRetries))
		e.publish(eventbus.JobRetrying, j, attempt, dur, cause)
		e.log.Warn("job.retrying", logx.String("job", j.ID.String()), logx.String("function", j.Function), logx.Int("retry", int(j.RetryCount)), logx.Int("max_retries", int(j.MaxRetries)), logx.Err(cause))
		return OutcomeWillRetry
	}
	e.reportFailed(j, attempt, dur, cause)
	return OutcomeFailed
}

func (e *Executor) reportFailed(j *job.Job, attempt int, dur time.Duration, cause error) {
	if cause == nil {
		cause = job.ErrRetryExhausted
	}
	e.outbox.Send(fmt.Sprintf("failed %s permanently", j.Function))
	e.publish(eventbus.JobFailed, j, attempt, dur, cause)
	e.log.Error("job.failed", logx.String("job", j.ID.String()), logx.String("function", j.Function), logx.Int("attempts", attempt), logx.Err(cause))
}

// progressBuffer sizes the per-attempt channel handed to handlers.
const progressBuffer = 16

// call runs the handler, turning a panic into an error so one bad handler
// cannot take a worker down.
//
// The handler gets its own channel, drained into the outbox with non-blocking
// sends, so plain `out <- msg` never stalls on a full or undrained outbox.
func (e *Executor) call(ctx context.Context, j *job.Job, h Handler) (err error) {
	out := make(chan string, progressBuffer)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for msg := range out {
			e.outbox.Send(msg)
		}
	}()
	defer func() {
		close(out)
		<-drained
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job.panic", logx.String("function", j.Function), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(ctx, out)
}

// Process runs j to a terminal state, retrying in place with backoff.
// If ctx ends while waiting for a retry, j is handed to the requeue hook (if
// set) and OutcomeWillRetry is returned.
func (e *Executor) Process(ctx context.Context, j *job.Job) Outcome {
	return e.process(ctx, j, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func (e *Executor) process(ctx context.Context, j *job.Job, rng *rand.Rand) Outcome {
	start := time.Now()
	attempts := 0
	var (
		out Outcome
		err error
	)
	for {
		attempts++
		out, err = e.RunJob(ctx, j)
		if out != OutcomeWillRetry {
			break
		}
		delay := backoffDelay(e.config(), int(j.RetryCount), rng)
		e.log.Debug("job retry scheduled", logx.String("function", j.Function), logx.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			e.abandon(j)
			break
		}
	}
	e.record(HistoryItem{
		ID:       j.ID.String(),
		Function: j.Function,
		Started:  start,
		Duration: time.Since(start),
		Attempts: attempts,
		Outcome:  out,
		Error:    errString(err),
	})
	return out
}

func (e *Executor) abandon(j *job.Job) {
	e.mu.RLock()
	requeue := e.requeue
	e.mu.RUnlock()
	if requeue == nil {
		e.log.Warn("job abandoned on shutdown", logx.String("job", j.ID.String()), logx.String("function", j.Function))
		return
	}
	if err := requeue(j); err != nil {
		e.log.Error("job requeue failed", logx.String("job", j.ID.String()), logx.Err(err))
		return
	}
	e.log.Info("job requeued on shutdown", logx.String("job", j.ID.String()), logx.Int("retry", int(j.RetryCount)))
}

// Start consumes source with Config.Workers consumers and returns once source
// is closed and drained, or ctx is done. A job already picked up runs its
// current attempt to completion.
func (e *Executor) Start(ctx context.Context, source <-chan *job.Job) {
	workers := e.config().Workers
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			e.worker(ctx, source, idx)
		}(i)
	}
	wg.Wait()
}

func (e *Executor) worker(ctx context.Context, source <-chan *job.Job, idx int) {
	// Per-worker RNG: avoids lock contention on retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-source:
			if !ok {
				return
			}
			if j == nil {
				continue
			}
			e.process(ctx, j, rng)
		}
	}
}

// History returns the most recent terminal outcomes, oldest first.
func (e *Executor) History() []HistoryItem {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]HistoryItem(nil), e.history...)
}

func (e *Executor) record(it HistoryItem) {
	size := e.config().HistorySize
	e.hmu.Lock()
	e.history = append(e.history, it)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
	e.hmu.Unlock()
}

func (e *Executor) publish(typ string, j *job.Job, attempt int, dur time.Duration, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: eventbus.JobEvent{
		ID:          j.ID.String(),
		Function:    j.Function,
		Description: j.Description,
		Attempt:     attempt,
		RetryCount:  int(j.RetryCount),
		MaxRetries:  int(j.MaxRetries),
		Duration:    dur,
		Error:       errString(err),
	}})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		return nr.err.Error()
	}
	return err.Error()
}
