// Package workerpool provides a fixed-size goroutine pool with bounded
// queueing and panic recovery, adapted from the teacher's WorkerPool for the
// client-request and peer digest/update handler pools (SPEC_FULL.md §5).
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pranav-super/secko/internal/metrics"
)

// Task is one unit of work submitted to a Pool.
type Task func()

// Pool runs a fixed number of worker goroutines pulling from a bounded
// queue. When the queue is full, Submit drops the task rather than
// blocking or spawning additional goroutines.
type Pool struct {
	name         string
	workerCount  int
	taskQueue    chan Task
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// New creates a Pool with workerCount workers and a queue of queueSize.
// name labels this pool's metrics (secko_worker_queue_depth{pool=name},
// secko_worker_tasks_dropped_total{pool=name}).
func New(name string, workerCount, queueSize int, logger zerolog.Logger) *Pool {
	return &Pool{
		name:        name,
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("pool", name).Logger(),
	}
}

// Start launches the worker goroutines. A worker exits when ctx is cancelled
// (tasks still queued at that point are not run) or when Stop has closed the
// queue and the queue has been drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker panic recovered")
		}
	}()
	task()
}

// Submit enqueues task for asynchronous execution. If the queue is full the
// task is dropped and secko_worker_tasks_dropped_total is incremented —
// preferring lost work over unbounded goroutine growth.
func (p *Pool) Submit(task Task) {
	metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(p.taskQueue)))
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
		metrics.WorkerTasksDropped.WithLabelValues(p.name).Inc()
		p.logger.Warn().Msg("task dropped, queue full")
	}
}

// Stop closes the task queue and waits for the workers to exit: in-flight
// tasks always finish; already-queued tasks are run only if the context
// passed to Start has not been cancelled.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// DroppedTasks returns the total number of tasks dropped due to a full
// queue.
func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}
