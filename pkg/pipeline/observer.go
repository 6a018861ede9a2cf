package pipeline

import (
	"sync"
	"time"
)

// RunEvent reports a state change of one run.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	PacketID  string    `json:"packet_id,omitempty"`
	From      RunState  `json:"from"`
	To        RunState  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// RunObserver receives run state changes. Observers are called
// synchronously on the run's goroutine and must not block.
type RunObserver interface {
	OnRunEvent(event RunEvent)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(event RunEvent)

// OnRunEvent implements RunObserver.
func (f RunObserverFunc) OnRunEvent(event RunEvent) { f(event) }

// observerRegistry manages run observers.
type observerRegistry struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]RunObserver
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{observers: make(map[int]RunObserver)}
}

// subscribe adds an observer and returns a function that removes it.
func (r *observerRegistry) subscribe(o RunObserver) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.observers[id] = o

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

func (r *observerRegistry) notify(event RunEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.observers {
		o.OnRunEvent(event)
	}
}

func (r *observerRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}
