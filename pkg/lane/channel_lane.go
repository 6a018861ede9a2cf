package lane

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goclaw/mnemo/pkg/logger"
)

// MetricsRecorder receives lane measurements. *metrics.Manager implements
// it.
type MetricsRecorder interface {
	IncQueueDepth(lane string)
	DecQueueDepth(lane string)
	RecordWaitDuration(lane string, d time.Duration)
	RecordThroughput(lane string)
	RecordDropped(lane string)
}

type counters struct {
	pending   atomic.Int32
	running   atomic.Int32
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panicked  atomic.Int64
	runNanos  atomic.Int64
	runs      atomic.Int64
}

// ChannelLane is a Lane over a buffered channel. A failing or panicking
// task is logged and counted and never reaches the submitter.
type ChannelLane struct {
	cfg     Config
	queue   chan Task
	pool    *workers
	log     logger.Logger
	metrics atomic.Pointer[MetricsRecorder]
	n       counters

	// gate serialises sends on queue against closing it.
	gate     sync.RWMutex
	closed   bool
	shutdown chan struct{}
	once     sync.Once
}

var _ Lane = (*ChannelLane)(nil)

// New validates cfg and starts the workers.
func New(cfg *Config, log logger.Logger) (*ChannelLane, error) {
	if cfg == nil {
		return nil, errors.New("lane: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	c := *cfg
	if c.Backpressure == "" {
		c.Backpressure = Drop
	}

	l := &ChannelLane{
		cfg:      c,
		queue:    make(chan Task, c.Capacity),
		log:      log.With("lane", c.Name),
		shutdown: make(chan struct{}),
	}
	l.SetMetrics(nopRecorder{})
	l.pool = startWorkers(c.MaxConcurrency, l.queue, l.handle)
	return l, nil
}

func (l *ChannelLane) Name() string { return l.cfg.Name }

// SetMetrics replaces the recorder; nil is ignored. Safe while running.
func (l *ChannelLane) SetMetrics(m MetricsRecorder) {
	if m != nil {
		l.metrics.Store(&m)
	}
}

func (l *ChannelLane) rec() MetricsRecorder { return *l.metrics.Load() }

// Submit queues task. A Drop lane rejects with ErrFull when the queue is
// full; a Block lane waits for room, ctx or Close. After Close every
// submission is rejected with ErrClosed.
func (l *ChannelLane) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("lane: nil task")
	}

	l.gate.RLock()
	defer l.gate.RUnlock()
	if l.closed {
		return l.reject(task, ErrClosed)
	}

	// count before sending so a fast worker never sees pending below zero
	l.n.pending.Add(1)
	if l.cfg.Backpressure == Drop {
		select {
		case l.queue <- task:
			l.rec().IncQueueDepth(l.cfg.Name)
			return nil
		default:
			l.n.pending.Add(-1)
			l.n.dropped.Add(1)
			l.rec().RecordDropped(l.cfg.Name)
			return l.reject(task, ErrFull)
		}
	}
	select {
	case l.queue <- task:
		l.rec().IncQueueDepth(l.cfg.Name)
		return nil
	case <-l.shutdown:
		l.n.pending.Add(-1)
		return l.reject(task, ErrClosed)
	case <-ctx.Done():
		l.n.pending.Add(-1)
		return ctx.Err()
	}
}

func (l *ChannelLane) reject(task Task, reason error) error {
	return &RejectedError{Lane: l.cfg.Name, Task: task.ID(), Reason: reason}
}

// handle runs on a worker goroutine.
func (l *ChannelLane) handle(task Task) {
	l.n.pending.Add(-1)
	l.rec().DecQueueDepth(l.cfg.Name)
	if q, ok := task.(interface{ EnqueuedAt() time.Time }); ok {
		l.rec().RecordWaitDuration(l.cfg.Name, time.Since(q.EnqueuedAt()))
	}

	l.n.running.Add(1)
	start := time.Now()
	err := l.run(task)
	l.n.runNanos.Add(int64(time.Since(start)))
	l.n.runs.Add(1)
	l.n.running.Add(-1)

	var perr *PanicError
	switch {
	case err == nil:
		l.n.completed.Add(1)
	case errors.As(err, &perr):
		l.n.failed.Add(1)
		l.log.Error("lane task panicked", "task_id", task.ID(), "panic", perr.Value, "stack", string(perr.Stack))
	default:
		l.n.failed.Add(1)
		l.log.Warn("lane task failed", "task_id", task.ID(), "error", err)
	}
	l.rec().RecordThroughput(l.cfg.Name)
}

// run executes task under the task timeout, turning a panic into a
// PanicError.
func (l *ChannelLane) run(task Task) (err error) {
	defer func() {
		if v := recover(); v != nil {
			l.n.panicked.Add(1)
			err = &PanicError{Task: task.ID(), Value: v, Stack: debug.Stack()}
		}
	}()
	ctx := context.Background()
	if l.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.TaskTimeout)
		defer cancel()
	}
	return task.Execute(ctx)
}

func (l *ChannelLane) Stats() Stats {
	s := Stats{
		Name:           l.cfg.Name,
		Pending:        int(l.n.pending.Load()),
		Running:        int(l.n.running.Load()),
		Completed:      l.n.completed.Load(),
		Failed:         l.n.failed.Load(),
		Dropped:        l.n.dropped.Load(),
		Panicked:       l.n.panicked.Load(),
		Capacity:       l.cfg.Capacity,
		MaxConcurrency: l.cfg.MaxConcurrency,
	}
	if runs := l.n.runs.Load(); runs > 0 {
		s.AvgRunTime = time.Duration(l.n.runNanos.Load() / runs)
	}
	return s
}

// Close rejects new work and waits for the queue to drain. When ctx ends
// first it returns ctx.Err() and the workers finish in the background.
// Later calls return nil immediately.
func (l *ChannelLane) Close(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		// wake blocked submitters before taking the write lock
		close(l.shutdown)
		l.gate.Lock()
		l.closed = true
		close(l.queue)
		l.gate.Unlock()

		drained := make(chan struct{})
		go func() {
			l.pool.wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
			l.log.Warn("lane closed before draining", "pending", l.n.pending.Load(), "running", l.n.running.Load())
		}
	})
	return err
}

// IsClosed reports whether Close has been called.
func (l *ChannelLane) IsClosed() bool {
	l.gate.RLock()
	defer l.gate.RUnlock()
	return l.closed
}

type nopRecorder struct{}

func (nopRecorder) IncQueueDepth(string)                     {}
func (nopRecorder) DecQueueDepth(string)                     {}
func (nopRecorder) RecordWaitDuration(string, time.Duration) {}
func (nopRecorder) RecordThroughput(string)                  {}
func (nopRecorder) RecordDropped(string)                     {}
