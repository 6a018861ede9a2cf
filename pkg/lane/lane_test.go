package lane

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLane(t *testing.T, cfg Config) *ChannelLane {
	t.Helper()
	l, err := New(&cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// saturate occupies the single worker and the single queue slot. Closing
// the returned channel lets both finish.
func saturate(t *testing.T, l *ChannelLane) chan struct{} {
	t.Helper()
	release := make(chan struct{})
	hold := func(context.Context) error { <-release; return nil }
	require.NoError(t, l.Submit(context.Background(), NewTaskFunc("busy", hold)))
	eventually(t, func() bool { return l.Stats().Running == 1 })
	require.NoError(t, l.Submit(context.Background(), NewTaskFunc("queued", hold)))
	return release
}

func noop(context.Context) error { return nil }

func TestConfig_Validate(t *testing.T) {
	ok := Config{Name: "sinks", Capacity: 8, MaxConcurrency: 2, Backpressure: Block}
	require.NoError(t, ok.Validate())

	bad := Config{TaskTimeout: -time.Second, Backpressure: "redirect"}
	err := bad.Validate()
	require.Error(t, err)
	for _, want := range []string{"name is empty", "capacity", "max concurrency", "negative", "redirect"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseBackpressure(t *testing.T) {
	for in, want := range map[string]Backpressure{"": Drop, "drop": Drop, "block": Block} {
		got, err := ParseBackpressure(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackpressure("redirect")
	assert.Error(t, err)
}

func TestNew_DefaultsToDrop(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)

	l := openLane(t, Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1})
	assert.Equal(t, Drop, l.cfg.Backpressure)
	assert.Equal(t, "sinks", l.Name())
}

func TestSubmit_RunsTask(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 4, MaxConcurrency: 2})

	var ran atomic.Bool
	require.NoError(t, l.Submit(context.Background(), NewTaskFunc("graph:pkt-1", func(context.Context) error {
		ran.Store(true)
		return nil
	})))
	eventually(t, ran.Load)
	assert.Error(t, l.Submit(context.Background(), nil))
}

func TestSubmit_DropRejectsWhenFull(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1, Backpressure: Drop})
	defer close(saturate(t, l))

	err := l.Submit(context.Background(), NewTaskFunc("overflow", noop))
	require.ErrorIs(t, err, ErrFull)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "overflow", rej.Task)
	assert.Equal(t, "sinks", rej.Lane)

	s := l.Stats()
	assert.EqualValues(t, 1, s.Dropped)
	assert.Equal(t, 1, s.Pending)
}

func TestSubmit_BlockWaitsForContext(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1, Backpressure: Block})
	defer close(saturate(t, l))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Submit(ctx, NewTaskFunc("late", noop)), context.DeadlineExceeded)
	assert.Equal(t, 1, l.Stats().Pending)
}

func TestSubmit_BlockedSubmitterReleasedByClose(t *testing.T) {
	l, err := New(&Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1, Backpressure: Block}, nil)
	require.NoError(t, err)
	release := saturate(t, l)

	submitted := make(chan error, 1)
	go func() { submitted <- l.Submit(context.Background(), NewTaskFunc("waiting", noop)) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- l.Close(context.Background()) }()

	select {
	case err := <-submitted:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked Submit not released by Close")
	}
	close(release)
	assert.NoError(t, <-closed)
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 10, MaxConcurrency: 1})

	ctx := context.Background()
	require.NoError(t, l.Submit(ctx, NewTaskFunc("fails", func(context.Context) error { return errors.New("sink down") })))
	require.NoError(t, l.Submit(ctx, NewTaskFunc("panics", func(context.Context) error { panic("boom") })))
	var ran atomic.Bool
	require.NoError(t, l.Submit(ctx, NewTaskFunc("after", func(context.Context) error { ran.Store(true); return nil })))

	eventually(t, func() bool { return ran.Load() && l.Stats().Completed == 1 })
	s := l.Stats()
	assert.EqualValues(t, 2, s.Failed)
	assert.EqualValues(t, 1, s.Panicked)
	assert.Positive(t, int64(s.AvgRunTime))
}

func TestTaskTimeout(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1, TaskTimeout: 10 * time.Millisecond})

	got := make(chan error, 1)
	require.NoError(t, l.Submit(context.Background(), NewTaskFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})))

	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task timeout not applied")
	}
}

func TestClose_DrainsQueue(t *testing.T) {
	l, err := New(&Config{Name: "sinks", Capacity: 10, MaxConcurrency: 2, Backpressure: Block}, nil)
	require.NoError(t, err)

	var done atomic.Int32
	for i := range 5 {
		require.NoError(t, l.Submit(context.Background(), NewTaskFunc("t"+strconv.Itoa(i), func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
	assert.EqualValues(t, 5, done.Load())
	assert.True(t, l.IsClosed())

	assert.ErrorIs(t, l.Submit(context.Background(), NewTaskFunc("late", noop)), ErrClosed)
	assert.NoError(t, l.Close(ctx))
}

func TestClose_Deadline(t *testing.T) {
	l, err := New(&Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, l.Submit(context.Background(), NewTaskFunc("stuck", func(context.Context) error {
		<-release
		return nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

type countingRecorder struct {
	nopRecorder
	depth      atomic.Int32
	throughput atomic.Int32
	dropped    atomic.Int32
	waits      atomic.Int32
}

func (c *countingRecorder) IncQueueDepth(string)                     { c.depth.Add(1) }
func (c *countingRecorder) DecQueueDepth(string)                     { c.depth.Add(-1) }
func (c *countingRecorder) RecordWaitDuration(string, time.Duration) { c.waits.Add(1) }
func (c *countingRecorder) RecordThroughput(string)                  { c.throughput.Add(1) }
func (c *countingRecorder) RecordDropped(string)                     { c.dropped.Add(1) }

func TestMetrics(t *testing.T) {
	l := openLane(t, Config{Name: "sinks", Capacity: 1, MaxConcurrency: 1})
	rec := &countingRecorder{}
	l.SetMetrics(rec)
	l.SetMetrics(nil)

	release := saturate(t, l)
	assert.Error(t, l.Submit(context.Background(), NewTaskFunc("overflow", noop)))
	close(release)

	eventually(t, func() bool { return rec.throughput.Load() == 2 })
	assert.EqualValues(t, 1, rec.dropped.Load())
	assert.EqualValues(t, 2, rec.waits.Load())
	assert.Zero(t, rec.depth.Load())
}

func TestWorkers_DrainUntilClosed(t *testing.T) {
	var n atomic.Int32
	ch := make(chan Task, 10)
	w := startWorkers(3, ch, func(Task) { n.Add(1) })
	for i := range 10 {
		ch <- NewTaskFunc("t"+strconv.Itoa(i), nil)
	}
	close(ch)
	w.wait()

	assert.EqualValues(t, 10, n.Load())
	assert.EqualValues(t, 10, w.processed.Load())
}

func TestRun_PanicCarriesStack(t *testing.T) {
	l := &ChannelLane{cfg: Config{Name: "p"}}
	err := l.run(NewTaskFunc("boom", func(context.Context) error { panic("sink exploded") }))

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "sink exploded", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Contains(t, perr.Error(), "boom")
}

func TestTaskFunc(t *testing.T) {
	task := NewTaskFunc("nil", nil)
	assert.Error(t, task.Execute(context.Background()))
	assert.Equal(t, "nil", task.ID())
	assert.False(t, task.EnqueuedAt().IsZero())
}

func TestStats_Utilization(t *testing.T) {
	cases := map[string]struct {
		s    Stats
		want float64
	}{
		"idle":        {Stats{Capacity: 100, MaxConcurrency: 10}, 0},
		"half":        {Stats{Capacity: 100, MaxConcurrency: 10, Pending: 50, Running: 5}, 0.5},
		"full":        {Stats{Capacity: 100, MaxConcurrency: 10, Pending: 100, Running: 10}, 1},
		"no capacity": {Stats{}, 0},
	}
	for name, tc := range cases {
		assert.InDelta(t, tc.want, tc.s.Utilization(), 1e-9, name)
	}
}
