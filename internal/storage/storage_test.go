package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"termsched/internal/job"
	"termsched/internal/queue"
	logx "termsched/pkg/logx"
)

func sampleJobs(t *testing.T) []*job.Job {
	t.Helper()
	a, err := job.New(100, 5, "nightly backup", "backup_db", 3)
	require.NoError(t, err)
	b, err := job.New(200, 1, "weekly report", "send_email", 2)
	require.NoError(t, err)
	b.RetryCount = 1
	return []*job.Job{a, b}
}

func records(jobs []*job.Job) []job.Record {
	out := make([]job.Record, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Record())
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		b, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, b)
	}
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestBackendsRoundTrip(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ driver, file string }{
		{"file", "jobs.json"},
		{"yaml", "jobs.yaml"},
		{"sqlite", "jobs.db"},
	} {
		t.Run(tc.driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nested", tc.file)
			b, err := Open(Config{Driver: tc.driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			defer b.Close()

			ctx := context.Background()
			got, err := b.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)

			want := records(sampleJobs(t))
			require.NoError(t, b.Save(ctx, want))
			got, err = b.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Save replaces, it does not append.
			require.NoError(t, b.Save(ctx, want[1:]))
			got, err = b.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want[1:], got)

			require.NoError(t, b.Save(ctx, nil))
			got, err = b.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestMarkersSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ driver, file string }{
		{"file", "jobs.json"},
		{"yaml", "jobs.yaml"},
		{"sqlite", "jobs.db"},
	} {
		t.Run(tc.driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tc.file)
			ctx := context.Background()

			b, err := Open(Config{Driver: tc.driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			ms, ok := b.(MarkerStore)
			require.True(t, ok)

			done, err := ms.Marked(ctx, "seed:abc")
			require.NoError(t, err)
			assert.False(t, done)
			require.NoError(t, ms.Mark(ctx, "seed:abc"))
			require.NoError(t, ms.Mark(ctx, "seed:abc"), "marking twice is fine")
			require.NoError(t, b.Save(ctx, nil))
			require.NoError(t, b.Close())

			b, err = Open(Config{Driver: tc.driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer b.Close()
			ms = b.(MarkerStore)
			done, err = ms.Marked(ctx, "seed:abc")
			require.NoError(t, err)
			assert.True(t, done)
			done, err = ms.Marked(ctx, "seed:other")
			require.NoError(t, err)
			assert.False(t, done)
		})
	}
}

func TestFileSaveLeavesNoTmp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Save(context.Background(), records(sampleJobs(t))))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs.json", entries[0].Name())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"execution_time": 100`)
	assert.Contains(t, string(raw), `"status": "Pending"`)
}

func TestFileLoadRejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"`), 0o600))
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = b.Load(context.Background())
	assert.Error(t, err)
}

type memBackend struct {
	mu      sync.Mutex
	saves   [][]job.Record
	failing bool
	loaded  []job.Record
	block   chan struct{}
}

func (m *memBackend) Save(ctx context.Context, r []job.Record) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("disk full")
	}
	m.saves = append(m.saves, r)
	return nil
}

func (m *memBackend) Load(context.Context) ([]job.Record, error) { return m.loaded, nil }
func (m *memBackend) Close() error                                { return nil }

func (m *memBackend) Saves() [][]job.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]job.Record(nil), m.saves...)
}

func TestPersisterWritesEveryMutation(t *testing.T) {
	t.Parallel()
	mb := &memBackend{}
	st := queue.New()
	st.SetSink(NewPersister(mb, logx.Nop()))

	for _, j := range sampleJobs(t) {
		require.NoError(t, st.Push(j))
	}
	_, ok := st.Pop()
	require.True(t, ok)

	saves := mb.Saves()
	require.Len(t, saves, 3)
	assert.Len(t, saves[2], 1)
}

func TestPersisterSwallowsFailures(t *testing.T) {
	t.Parallel()
	mb := &memBackend{failing: true}
	p := NewPersister(mb, logx.Nop())
	st := queue.New()
	st.SetSink(p)

	for _, j := range sampleJobs(t) {
		require.NoError(t, st.Push(j), "store operations succeed even when persistence fails")
	}
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, uint64(2), p.Failures())
}

func TestAsyncCoalescesAndFlushes(t *testing.T) {
	t.Parallel()
	mb := &memBackend{block: make(chan struct{})}
	a := NewAsync(mb, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	jobs := sampleJobs(t)
	a.Persist([]job.Job{*jobs[0]})
	// Let the writer pick up the first snapshot and block inside Save.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return !a.has
	}, time.Second, time.Millisecond)

	a.Persist([]job.Job{*jobs[0], *jobs[1]})
	a.Persist([]job.Job{*jobs[1]})
	close(mb.block)

	cancel()
	closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
	defer cancelClose()
	require.NoError(t, a.Close(closeCtx))

	saves := mb.Saves()
	require.NotEmpty(t, saves)
	last := saves[len(saves)-1]
	require.Len(t, last, 1)
	assert.Equal(t, jobs[1].ID.String(), last[0].ID)
	assert.LessOrEqual(t, len(saves), 2)

	_, superseded, _ := a.Stats()
	assert.Equal(t, uint64(1), superseded)

	a.Persist([]job.Job{*jobs[0]}) // ignored after Close
	assert.Equal(t, len(saves), len(mb.Saves()))
}

func TestRestore(t *testing.T) {
	t.Parallel()
	jobs := sampleJobs(t)
	jobs[0].Status = job.Running
	done, err := job.New(50, 9, "old", "hotfix", 0)
	require.NoError(t, err)
	done.Status = job.Completed

	recs := records(append(jobs, done))
	recs = append(recs,
		job.Record{ID: "nope", ExecutionTime: 1, Description: "x", Function: "y"},
		recs[1], // duplicate
	)
	mb := &memBackend{loaded: recs}

	st := queue.New()
	n, err := Restore(context.Background(), mb, st, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := st.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, jobs[0].ID, snap[0].ID)
	assert.Equal(t, job.Pending, snap[0].Status, "interrupted runs are retried")
	assert.Equal(t, uint8(1), snap[1].RetryCount)

	n, err = Restore(context.Background(), nil, st, logx.Nop())
	require.NoError(t, err)
	assert.Zero(t, n)
}
