package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"termsched/internal/job"
)

// Sink receives the full, ordered snapshot after every mutation.
//
// Persist is called without the store lock held. It must not call back into
// mutating store methods. Errors are the sink's to handle; the store never
// retries or rolls back.
type Sink interface {
	Persist(snapshot []job.Job)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(snapshot []job.Job)

func (f SinkFunc) Persist(snapshot []job.Job) { f(snapshot) }

// Store holds jobs that have not been dispatched yet, ordered by job.Less.
//
// Locking discipline:
//   - mu guards heap and index. It is held only for the in-memory change and the
//     snapshot copy, never while a sink runs or any I/O happens.
//   - deliverMu serializes sink deliveries. Each snapshot carries the sequence
//     number of the mutation that produced it; a snapshot older than the last
//     one delivered is dropped, so a sink never sees state go backwards.
//
// Because deliveries are serialized, a slow synchronous sink makes concurrent
// mutators wait for each other's Persist before their call returns. The
// in-memory change is already visible by then, and reads (Peek, Snapshot, Len)
// never wait. Use an asynchronous sink (storage.Async) to keep Push and
// PopReady callers off the I/O path.
type Store struct {
	mu    sync.Mutex
	heap  jobHeap
	index map[uuid.UUID]*item
	seq   uint64
	sink  Sink

	deliverMu sync.Mutex
	delivered uint64

	wake chan struct{}
}

// New returns an empty store with no sink.
func New() *Store {
	return &Store{
		index: map[uuid.UUID]*item{},
		wake:  make(chan struct{}, 1),
	}
}

// SetSink installs (or clears, with nil) the persistence sink.
func (s *Store) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Wake is signalled (non-blocking, coalesced) whenever a job is pushed or loaded.
func (s *Store) Wake() <-chan struct{} { return s.wake }

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Push inserts j. It fails with job.ErrDuplicateID if a job with the same ID is
// already queued.
func (s *Store) Push(j *job.Job) error {
	if j == nil {
		return fmt.Errorf("push: %w", job.ErrValidation)
	}
	s.mu.Lock()
	if _, ok := s.index[j.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("push %s: %w", j.ID, job.ErrDuplicateID)
	}
	s.insertLocked(j)
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	s.signal()
	return nil
}

// Pop removes and returns the highest ranked job.
func (s *Store) Pop() (*job.Job, bool) {
	s.mu.Lock()
	if len(s.heap) == 0 {
		s.mu.Unlock()
		return nil, false
	}
	j := s.popLocked()
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	return j, true
}

// Peek returns a copy of the highest ranked job without removing it.
func (s *Store) Peek() (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return job.Job{}, false
	}
	return *s.heap[0].job, true
}

// PopReady removes every job with ExecutionTime <= now, in order. Because the
// heap top is always the next due job, it stops at the first job still in the
// future. The sink is called once for the whole batch.
func (s *Store) PopReady(now int64) []*job.Job {
	s.mu.Lock()
	var ready []*job.Job
	for len(s.heap) > 0 && s.heap[0].job.ExecutionTime <= now {
		ready = append(ready, s.popLocked())
	}
	if len(ready) == 0 {
		s.mu.Unlock()
		return nil
	}
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	return ready
}

// Remove takes the job with the given id out of the store, wherever it sits.
func (s *Store) Remove(id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	it, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("remove %s: %w", id, job.ErrNotFound)
	}
	heap.Remove(&s.heap, it.index)
	delete(s.index, id)
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	return it.job, nil
}

// UpdateStatus sets the status of a job that is still queued. Status is not part
// of the ordering, so the heap does not need fixing.
func (s *Store) UpdateStatus(id uuid.UUID, status job.Status) bool {
	s.mu.Lock()
	it, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	it.job.Status = status
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	return true
}

// Snapshot returns copies of all queued jobs, sorted by job.Less.
func (s *Store) Snapshot() []job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len reports the number of queued jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// Load bulk-inserts previously persisted jobs and persists once afterwards.
// If any ID repeats (within jobs or against the store) nothing is inserted.
func (s *Store) Load(jobs []*job.Job) error {
	s.mu.Lock()
	seen := make(map[uuid.UUID]struct{}, len(jobs))
	for _, j := range jobs {
		if j == nil {
			continue
		}
		_, queued := s.index[j.ID]
		_, dup := seen[j.ID]
		if queued || dup {
			s.mu.Unlock()
			return fmt.Errorf("load %s: %w", j.ID, job.ErrDuplicateID)
		}
		seen[j.ID] = struct{}{}
	}
	for _, j := range jobs {
		if j != nil {
			s.insertLocked(j)
		}
	}
	seq, snap, sink := s.captureLocked()
	s.mu.Unlock()

	s.deliver(seq, snap, sink)
	s.signal()
	return nil
}

func (s *Store) insertLocked(j *job.Job) {
	it := &item{job: j}
	heap.Push(&s.heap, it)
	s.index[j.ID] = it
}

func (s *Store) popLocked() *job.Job {
	it := heap.Pop(&s.heap).(*item)
	delete(s.index, it.job.ID)
	return it.job
}

func (s *Store) snapshotLocked() []job.Job {
	out := make([]job.Job, 0, len(s.heap))
	for _, it := range s.heap {
		out = append(out, *it.job)
	}
	job.Sort(out)
	return out
}

// captureLocked stamps the mutation and copies the snapshot if a sink is set.
func (s *Store) captureLocked() (uint64, []job.Job, Sink) {
	s.seq++
	if s.sink == nil {
		return s.seq, nil, nil
	}
	return s.seq, s.snapshotLocked(), s.sink
}

func (s *Store) deliver(seq uint64, snap []job.Job, sink Sink) {
	if sink == nil {
		return
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	sink.Persist(snap)
}
