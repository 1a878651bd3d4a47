// Package recur keeps recurring job templates and pushes each template's next
// occurrence into the store after the previous one finishes.
package recur

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"termsched/internal/eventbus"
	"termsched/internal/job"
	"termsched/internal/queue"
	logx "termsched/pkg/logx"
)

// Template describes a job that is created again on every activation.
type Template struct {
	Function    string
	Description string
	Priority    uint8
	MaxRetries  uint8
	Every       string
}

type entry struct {
	tpl  Template
	spec Spec
}

type Planner struct {
	mu      sync.RWMutex
	entries map[string]entry

	loc *time.Location
	log logx.Logger
	now func() time.Time
}

func NewPlanner(loc *time.Location, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Planner{
		entries: map[string]entry{},
		loc:     loc,
		log:     log.With(logx.String("comp", "recur")),
		now:     time.Now,
	}
}

// Add registers t, replacing any template for the same function.
func (p *Planner) Add(t Template) error {
	t.Function = strings.TrimSpace(t.Function)
	if t.Function == "" {
		return fmt.Errorf("recurring job: function required: %w", job.ErrValidation)
	}
	if strings.TrimSpace(t.Description) == "" {
		t.Description = t.Function + " (" + strings.TrimSpace(t.Every) + ")"
	}
	spec, err := Parse(t.Every, p.loc)
	if err != nil {
		return fmt.Errorf("recurring job %s: %w", t.Function, err)
	}
	if _, err := job.New(1, t.Priority, t.Description, t.Function, t.MaxRetries); err != nil {
		return fmt.Errorf("recurring job %s: %w", t.Function, err)
	}
	p.mu.Lock()
	p.entries[t.Function] = entry{tpl: t, spec: spec}
	p.mu.Unlock()
	return nil
}

// Remove drops the template for function. Jobs already queued stay queued.
func (p *Planner) Remove(function string) {
	p.mu.Lock()
	delete(p.entries, function)
	p.mu.Unlock()
}

// Functions lists templated function names, sorted.
func (p *Planner) Functions() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Next returns a fresh job for function's first activation after now.
func (p *Planner) Next(function string, now time.Time) (*job.Job, bool) {
	p.mu.RLock()
	e, ok := p.entries[function]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	at := e.spec.Next(now)
	if at.IsZero() {
		return nil, false
	}
	j, err := job.New(at.Unix(), e.tpl.Priority, e.tpl.Description, e.tpl.Function, e.tpl.MaxRetries)
	if err != nil {
		p.log.Warn("recurring job rejected", logx.String("function", function), logx.Err(err))
		return nil, false
	}
	return j, true
}

// Seed pushes the next occurrence of every template that has no job of the
// same function already queued (for example, restored from storage).
// It returns how many jobs were pushed.
func (p *Planner) Seed(store *queue.Store, now time.Time) int {
	queued := queuedFunctions(store)
	n := 0
	for _, fn := range p.Functions() {
		if _, ok := queued[fn]; ok {
			continue
		}
		if p.schedule(store, fn, now) {
			n++
		}
	}
	return n
}

// Watch re-plans a template whenever one of its jobs completes or fails.
// It blocks until ctx is done.
func (p *Planner) Watch(ctx context.Context, bus eventbus.Bus, store *queue.Store) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.JobCompleted && ev.Type != eventbus.JobFailed {
				continue
			}
			je, ok := ev.Data.(eventbus.JobEvent)
			if !ok {
				continue
			}
			p.mu.RLock()
			_, known := p.entries[je.Function]
			p.mu.RUnlock()
			if !known {
				continue
			}
			if _, queued := queuedFunctions(store)[je.Function]; queued {
				continue
			}
			p.schedule(store, je.Function, p.now())
		}
	}
}

func (p *Planner) schedule(store *queue.Store, fn string, now time.Time) bool {
	j, ok := p.Next(fn, now)
	if !ok {
		return false
	}
	if err := store.Push(j); err != nil {
		p.log.Error("recurring push failed", logx.String("function", fn), logx.Err(err))
		return false
	}
	p.log.Debug("recurring job planned", logx.String("function", fn), logx.Time("at", time.Unix(j.ExecutionTime, 0)))
	return true
}

func queuedFunctions(store *queue.Store) map[string]struct{} {
	out := map[string]struct{}{}
	for _, j := range store.Snapshot() {
		out[j.Function] = struct{}{}
	}
	return out
}
