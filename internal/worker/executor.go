// ============================================================================
// Mesh-Dispatch Executor Interface
// ============================================================================
//
// Package: internal/worker
// File: executor.go
// Purpose: Defines the abstraction for running one meshing task.
//
// Motivation:
//   The Pool owns concurrency, timeouts and cancellation. How a task is
//   actually run is decided by the Executor:
//
//   - ProcessExecutor: launches the worker executable named by the
//     descriptor and talks to it over stdin/stdout.
//   - ExecutorFunc: in-process executors used by tests and embedders.
//
// ============================================================================

package worker

import "context"

// Executor runs a single task to completion.
//
// Parameters:
//   - ctx: cancelled on timeout, Cancel or pool shutdown. Implementations
//     must stop promptly once it is done.
//   - task: the task to run.
//   - report: progress callback, values are 0–100.
//
// Returns:
//   - []byte: the worker output, only meaningful when error is nil.
//   - error: non-nil marks the task as failed.
type Executor interface {
	Execute(ctx context.Context, task Task, report func(progress int)) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task Task, report func(progress int)) ([]byte, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task, report func(progress int)) ([]byte, error) {
	return f(ctx, task, report)
}
