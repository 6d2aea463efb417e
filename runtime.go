package dandori

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// TaskRunner abstracts the task pool the scheduler dispatches systems onto.
// The host injects its own runtime through App.SetRuntime; the default
// spawns goroutines bounded by a weighted semaphore.
//
// Spawn may block until a worker slot frees up; it must eventually run the
// task exactly once.
type TaskRunner interface {
	Spawn(task func())
}

// goroutineRunner is the default TaskRunner: one goroutine per task, with a
// semaphore capping how many run at once.
type goroutineRunner struct {
	sem *semaphore.Weighted
}

// NewGoroutineRunner builds the default runtime with the given worker limit.
// A limit of zero or less uses GOMAXPROCS.
func NewGoroutineRunner(workers int) TaskRunner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &goroutineRunner{sem: semaphore.NewWeighted(int64(workers))}
}

func (r *goroutineRunner) Spawn(task func()) {
	// Acquire with a background context never returns an error.
	_ = r.sem.Acquire(context.Background(), 1)
	go func() {
		defer r.sem.Release(1)
		task()
	}()
}
