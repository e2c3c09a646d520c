// ============================================================================
// Mesh-Dispatch Worker - Task Execution Slot
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One execution slot of the pool; each slot runs in its own goroutine
//           and drives at most one worker process at a time
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Derive the task context (cancel from the pool, optional timeout)
//   3. Run the Executor, forwarding progress reports
//   4. Send exactly one Result to resultCh
//   5. Repeat until taskCh is closed
//
// Failure Handling:
//   - Executor error, timeout, cancellation or panic all produce a failed
//     Result. A task handed to a slot never ends without a Result.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled is reported for tasks stopped by Pool.Cancel.
var ErrCancelled = errors.New("job cancelled")

// Worker represents one execution slot
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run is the main loop of the slot
func (w *Worker) Run() {
	for task := range w.pool.taskCh {
		result := w.execute(task)
		w.pool.finish(result)
	}
}

// execute runs a single task and converts every outcome into a Result
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()

	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var (
		mu   sync.Mutex
		last int
	)
	report := func(p int) {
		p = clampProgress(p)
		mu.Lock()
		if p <= last {
			mu.Unlock()
			return
		}
		last = p
		mu.Unlock()
		w.pool.publishProgress(Progress{JobID: task.JobID, Value: p})
	}

	result = Result{
		JobID:  task.JobID,
		Worker: task.Descriptor.Name,
		Format: task.Descriptor.FileFormat,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic", "slot", w.id, "jobID", task.JobID, "panic", r)
			result.Success = false
			result.Data = nil
			result.Err = fmt.Errorf("executor panic: %v", r)
		}
		mu.Lock()
		result.Progress = last
		mu.Unlock()
		result.Duration = time.Since(start)
	}()

	data, err := w.pool.executor.Execute(ctx, task, report)
	switch {
	case w.pool.wasCancelled(task.JobID):
		result.Err = ErrCancelled
		result.Cancelled = true
	case err != nil:
		result.Err = err
	default:
		result.Success = true
		result.Data = data
	}
	return result
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
