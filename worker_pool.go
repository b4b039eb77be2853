package main

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of background work accepted by the task-worker pool:
// notification sends issued by request handlers, read-state transitions,
// and pending-row sweeps.
type Task func(ctx context.Context)

// WorkerPool is the in-process task queue behind the Pump's third feeder.
//
// Design:
//   - Fixed number of workers (default 2 × CPU cores)
//   - Buffered task queue; a full queue drops the task instead of
//     blocking the socket handler that submitted it
//   - Panic in a task is recovered and logged; the worker survives
//
// All methods are safe for concurrent use.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a pool with workerCount workers and a queue of
// queueSize pending tasks.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
// When ctx is cancelled, workers finish their current task and exit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				wp.run(task)
			}
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered, task failed but worker continues")
		}
	}()
	task(wp.ctx)
}

// Submit enqueues a task. If the queue is full the task is dropped and
// counted; dropping is the backpressure mechanism — a stalled store or
// registry must not pile up unbounded goroutines.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
		return false
	}
}

// Stop closes the queue and waits for all workers to exit. Workers still
// running drain the remaining tasks first; workers that already exited
// because ctx was cancelled leave queued tasks unrun.
func (wp *WorkerPool) Stop() {
	close(wp.taskQueue)
	wp.wg.Wait()
}

// GetDroppedTasks returns the total tasks dropped due to a full queue.
func (wp *WorkerPool) GetDroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// GetQueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) GetQueueDepth() int {
	return len(wp.taskQueue)
}

// GetQueueCapacity returns the maximum capacity of the task queue.
func (wp *WorkerPool) GetQueueCapacity() int {
	return cap(wp.taskQueue)
}
