package lane

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// workers drains a task channel with a fixed number of goroutines until
// the channel is closed.
type workers struct {
	g         errgroup.Group
	processed atomic.Int64
}

func startWorkers(n int, tasks <-chan Task, run func(Task)) *workers {
	w := &workers{}
	for range n {
		w.g.Go(func() error {
			for task := range tasks {
				run(task)
				w.processed.Add(1)
			}
			return nil
		})
	}
	return w
}

// wait returns once the channel is closed and every queued task has run.
func (w *workers) wait() {
	_ = w.g.Wait()
}
