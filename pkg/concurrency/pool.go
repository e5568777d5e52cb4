// Package concurrency provides the bounded worker pools the dispatch paths
// run on. Submission never blocks; saturation is surfaced to the caller so
// event pumps keep draining.
package concurrency

import (
	"fmt"
	"time"

	"funding_arb/internal/core"

	"github.com/alitto/pond"
)

const idleTimeout = 60 * time.Second

// WorkerPool is a named pond pool with a fixed worker count and a bounded
// task queue.
type WorkerPool struct {
	name     string
	capacity int
	pool     *pond.WorkerPool
}

// NewWorkerPool builds a pool with the given worker count and queue
// capacity. Non-positive values fall back to 1 worker and a queue of 16.
func NewWorkerPool(name string, workers, capacity int, logger core.ILogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 16
	}
	log := logger.WithField("pool", name)
	return &WorkerPool{
		name:     name,
		capacity: capacity,
		pool: pond.New(workers, capacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(idleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Worker pool task panicked", "panic", p)
			}),
		),
	}
}

// Submit queues task for execution. When the queue is saturated the task is
// rejected instead of blocking the producer.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("worker pool %s saturated (capacity %d)", wp.name, wp.capacity)
	}
	return nil
}

// Waiting reports how many queued tasks have not started yet.
func (wp *WorkerPool) Waiting() uint64 {
	return wp.pool.WaitingTasks()
}

// Stop drains queued tasks and releases the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
