// Package lane runs fire-and-forget work on a bounded queue with a fixed
// number of workers. The pipeline uses one lane to project stored packets
// into the graph and world model sinks without holding up ingestion.
//
//	l, err := lane.New(&lane.Config{Name: "sinks", Capacity: 256, MaxConcurrency: 4, Backpressure: lane.Drop}, log)
//	...
//	err = l.Submit(ctx, lane.NewTaskFunc("graph:pkt-1", sync))
//	...
//	_ = l.Close(shutdownCtx)
package lane

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Task is one unit of queued work.
type Task interface {
	ID() string
	Execute(ctx context.Context) error
}

// TaskFunc is a Task backed by a function. It remembers when it was
// created so the lane can report queue wait time.
type TaskFunc struct {
	id       string
	fn       func(ctx context.Context) error
	queuedAt time.Time
}

// NewTaskFunc wraps fn as a Task named id.
func NewTaskFunc(id string, fn func(ctx context.Context) error) *TaskFunc {
	return &TaskFunc{id: id, fn: fn, queuedAt: time.Now()}
}

func (t *TaskFunc) ID() string { return t.id }

// EnqueuedAt is the creation time of the task.
func (t *TaskFunc) EnqueuedAt() time.Time { return t.queuedAt }

func (t *TaskFunc) Execute(ctx context.Context) error {
	if t.fn == nil {
		return errors.New("lane: task has no function")
	}
	return t.fn(ctx)
}

// Backpressure decides what Submit does when the queue is full.
type Backpressure string

const (
	// Drop rejects the task with ErrFull.
	Drop Backpressure = "drop"
	// Block waits for room, the caller's context or Close.
	Block Backpressure = "block"
)

// ParseBackpressure reads a config value. Empty means Drop.
func ParseBackpressure(s string) (Backpressure, error) {
	switch bp := Backpressure(s); bp {
	case "":
		return Drop, nil
	case Drop, Block:
		return bp, nil
	default:
		return Drop, fmt.Errorf("lane: unknown backpressure %q (want drop or block)", s)
	}
}

// Config sizes a lane.
type Config struct {
	Name           string
	Capacity       int // queued tasks, not counting running ones
	MaxConcurrency int // workers
	Backpressure   Backpressure
	TaskTimeout    time.Duration // per task; zero means none
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("capacity %d is not positive", c.Capacity))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("max concurrency %d is not positive", c.MaxConcurrency))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("task timeout %s is negative", c.TaskTimeout))
	}
	switch c.Backpressure {
	case "", Drop, Block:
	default:
		errs = append(errs, fmt.Errorf("unknown backpressure %q", c.Backpressure))
	}
	if len(errs) > 0 {
		return fmt.Errorf("lane config: %w", errors.Join(errs...))
	}
	return nil
}

// Lane is a bounded background queue.
type Lane interface {
	Name() string
	Submit(ctx context.Context, task Task) error
	Stats() Stats
	Close(ctx context.Context) error
}

// Stats is a point-in-time view of a lane.
type Stats struct {
	Name           string        `json:"name"`
	Pending        int           `json:"pending"`
	Running        int           `json:"running"`
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	Dropped        int64         `json:"dropped"`
	Panicked       int64         `json:"panicked"`
	Capacity       int           `json:"capacity"`
	MaxConcurrency int           `json:"max_concurrency"`
	AvgRunTime     time.Duration `json:"avg_run_time_ns"`
}

// Utilization is the share of queue slots and workers in use, 0 to 1.
func (s Stats) Utilization() float64 {
	total := s.Capacity + s.MaxConcurrency
	if s.Capacity == 0 || total == 0 {
		return 0
	}
	return float64(s.Pending+s.Running) / float64(total)
}
