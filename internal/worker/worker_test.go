package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify slot accounting, timeout, cancellation, crash handling,
//          graceful shutdown and the process protocol
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTask(timeout time.Duration) Task {
	return Task{
		JobID:      types.NewJobID(),
		Descriptor: registry.WorkerDescriptor{Name: "fake", FileFormat: "json"},
		Content:    []byte(`{"cells": 8}`),
		Timeout:    timeout,
	}
}

// echoExecutor returns the task content after reporting 50%
var echoExecutor = ExecutorFunc(func(ctx context.Context, task Task, report func(int)) ([]byte, error) {
	report(50)
	return task.Content, nil
})

// blockingExecutor waits until its context is done
var blockingExecutor = ExecutorFunc(func(ctx context.Context, task Task, report func(int)) ([]byte, error) {
	report(10)
	<-ctx.Done()
	return nil, ctx.Err()
})

func receive(t *testing.T, pool *Pool) Result {
	t.Helper()
	select {
	case r, ok := <-pool.Results():
		require.True(t, ok, "result channel closed")
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

// writeScript creates an executable shell script and returns its descriptor
func writeScript(t *testing.T, body string) registry.WorkerDescriptor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell workers need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return registry.WorkerDescriptor{Name: "worker", Executable: path, FileFormat: "txt"}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, echoExecutor)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Equal(t, 0, pool.Available())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, echoExecutor)

	require.NoError(t, pool.Start(0))
	assert.Equal(t, DefaultMaxWorkers, pool.GetWorkerCount())
	assert.Equal(t, DefaultMaxWorkers, pool.Available())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

// TestWorkerExecution tests a successful task round trip
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, echoExecutor)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := newTask(time.Second)
	require.NoError(t, pool.Submit(task))

	result := receive(t, pool)
	assert.Equal(t, task.JobID, result.JobID)
	assert.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.Equal(t, task.Content, result.Data)
	assert.Equal(t, "json", result.Format)
	assert.Equal(t, "fake", result.Worker)
	assert.Equal(t, 50, result.Progress)

	select {
	case p := <-pool.ProgressUpdates():
		assert.Equal(t, Progress{JobID: task.JobID, Value: 50}, p)
	case <-time.After(time.Second):
		t.Fatal("expected a progress update")
	}
}

// TestPoolFull tests that a pool never runs more tasks than slots
func TestPoolFull(t *testing.T) {
	pool := NewPool(10, blockingExecutor)
	require.NoError(t, pool.Start(2))

	first, second := newTask(0), newTask(0)
	require.NoError(t, pool.Submit(first))
	require.NoError(t, pool.Submit(second))
	assert.Equal(t, 0, pool.Available())
	assert.ErrorIs(t, pool.Submit(newTask(0)), ErrPoolFull)

	// 取消一個後 slot 會釋放
	assert.True(t, pool.Cancel(first.JobID))
	result := receive(t, pool)
	assert.Equal(t, first.JobID, result.JobID)
	assert.Eventually(t, func() bool { return pool.Available() == 1 }, time.Second, 10*time.Millisecond)

	pool.Stop()
}

// TestTimeout tests job timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(10, blockingExecutor)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(20*time.Millisecond)))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 10, result.Progress)
}

// TestCancel tests cancelling a running task
func TestCancel(t *testing.T) {
	pool := NewPool(10, blockingExecutor)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := newTask(0)
	require.NoError(t, pool.Submit(task))

	assert.False(t, pool.Cancel(types.NewJobID()), "unknown job")
	assert.True(t, pool.Cancel(task.JobID))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.True(t, result.Cancelled)
	assert.ErrorIs(t, result.Err, ErrCancelled)

	assert.False(t, pool.Cancel(task.JobID), "finished job can no longer be cancelled")
}

// TestExecutorPanic tests that a crashing executor still yields a failed result
func TestExecutorPanic(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task, report func(int)) ([]byte, error) {
		report(40)
		panic("segfault")
	})
	pool := NewPool(10, exec)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(time.Second)))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panic")
	assert.Equal(t, 40, result.Progress)

	// slot 仍然可用
	require.NoError(t, pool.Submit(newTask(time.Second)))
	receive(t, pool)
}

// TestProgressIsMonotone tests that regressions are not forwarded
func TestProgressIsMonotone(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, task Task, report func(int)) ([]byte, error) {
		for _, p := range []int{10, 30, 20, 30, 250} {
			report(p)
		}
		return nil, nil
	})
	pool := NewPool(10, exec)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask(time.Second)))
	result := receive(t, pool)
	assert.Equal(t, 100, result.Progress)

	var seen []int
	for len(seen) < 3 {
		select {
		case p := <-pool.ProgressUpdates():
			seen = append(seen, p.Value)
		case <-time.After(time.Second):
			t.Fatalf("missing progress updates, got %v", seen)
		}
	}
	assert.Equal(t, []int{10, 30, 100}, seen)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests that slots run in parallel
func TestConcurrency(t *testing.T) {
	var running, peak int32
	exec := ExecutorFunc(func(ctx context.Context, task Task, report func(int)) ([]byte, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	})

	pool := NewPool(10, exec)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(newTask(time.Second)))
	}
	for i := 0; i < 4; i++ {
		assert.True(t, receive(t, pool).Success)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&peak))
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestStopKillsRunningTasks tests that Stop cancels in-flight work
func TestStopKillsRunningTasks(t *testing.T) {
	pool := NewPool(10, blockingExecutor)
	require.NoError(t, pool.Start(2))
	require.NoError(t, pool.Submit(newTask(0)))
	require.NoError(t, pool.Submit(newTask(0)))

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// 重複 Stop 為 no-op
	assert.NotPanics(t, pool.Stop)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, echoExecutor)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, echoExecutor)
	require.NoError(t, pool.Start(2))

	pool.Stop()

	err := pool.Submit(newTask(time.Second))
	assert.Equal(t, ErrPoolClosed, err)
	assert.Equal(t, 0, pool.Available())
}

// TestSubmitBeforeStart tests submitting jobs before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, echoExecutor)
	err := pool.Submit(newTask(time.Second))
	assert.Equal(t, ErrPoolNotStarted, err)
}

// ============================================================================
// Process Executor Tests
// ============================================================================

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"progress 40", 40, true},
		{"PROGRESS 7", 7, true},
		{"  progress   100 ", 100, true},
		{"progress", 0, false},
		{"progress forty", 0, false},
		{"progress 1 2", 0, false},
		{"vertices 40", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgress(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestProcessExecutor_ResultFile(t *testing.T) {
	desc := writeScript(t, `echo "progress 25"
cat > "$MESHD_RESULT_PATH"
echo "job=$MESHD_JOB_ID" >> "$MESHD_RESULT_PATH"
echo "progress 90"
`)
	task := newTask(0)
	task.Descriptor = desc
	task.Content = []byte("surface-mesh\n")

	var reported []int
	out, err := NewProcessExecutor().Execute(context.Background(), task, func(p int) {
		reported = append(reported, p)
	})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("surface-mesh\njob=%s\n", task.JobID), string(out))
	assert.Equal(t, []int{25, 90}, reported)
}

func TestProcessExecutor_StdoutFallback(t *testing.T) {
	desc := writeScript(t, `echo "progress 50"
echo "mesh line 1"
echo "mesh line 2"
`)
	task := newTask(0)
	task.Descriptor = desc

	out, err := NewProcessExecutor().Execute(context.Background(), task, func(int) {})
	require.NoError(t, err)
	assert.Equal(t, "mesh line 1\nmesh line 2\n", string(out))
}

// TestProcessExecutor_StdoutKeepsRawBytes: only whole progress lines are removed
func TestProcessExecutor_StdoutKeepsRawBytes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     string
		reported []int
	}{
		{name: "no trailing newline", body: `printf 'abc'`, want: "abc"},
		{name: "crlf", body: `printf 'v 1\r\nprogress 30\r\nv 2\r\n'`, want: "v 1\r\nv 2\r\n", reported: []int{30}},
		{name: "unterminated progress", body: `printf 'progress 30'`, want: "progress 30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := newTask(0)
			task.Descriptor = writeScript(t, tt.body+"\n")

			var reported []int
			out, err := NewProcessExecutor().Execute(context.Background(), task, func(p int) {
				reported = append(reported, p)
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
			assert.Equal(t, tt.reported, reported)
		})
	}
}

func TestProcessExecutor_StdoutLongLine(t *testing.T) {
	const size = 17_000_000
	desc := writeScript(t, fmt.Sprintf(`head -c %d /dev/zero | tr '\000' a
echo
echo tail
exit 0
`, size))
	task := newTask(0)
	task.Descriptor = desc

	out, err := NewProcessExecutor().Execute(context.Background(), task, func(int) {})
	require.NoError(t, err)
	require.Len(t, out, size+len("\ntail\n"), "long output must come back whole")
	assert.Equal(t, strings.Repeat("a", 8), string(out[:8]))
	assert.True(t, strings.HasSuffix(string(out), "a\ntail\n"))
}

func TestProcessExecutor_ProgressURL(t *testing.T) {
	desc := writeScript(t, `echo "$MESHD_PROGRESS_URL"`)
	task := newTask(0)
	task.Descriptor = desc

	exec := NewProcessExecutor()
	exec.ProgressURL = func(id types.JobID) string { return "http://127.0.0.1:9/v1/jobs/" + string(id) + "/progress" }

	out, err := exec.Execute(context.Background(), task, func(int) {})
	require.NoError(t, err)
	assert.Equal(t, exec.ProgressURL(task.JobID), strings.TrimSpace(string(out)))
}

func TestProcessExecutor_NonZeroExit(t *testing.T) {
	desc := writeScript(t, `echo "bad input" >&2
exit 3
`)
	task := newTask(0)
	task.Descriptor = desc

	_, err := NewProcessExecutor().Execute(context.Background(), task, func(int) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}

// TestProcessExecutor_CrashAfterProgress: a worker killed mid-run fails the
// task and keeps the last reported progress
func TestProcessExecutor_CrashAfterProgress(t *testing.T) {
	desc := writeScript(t, `echo "progress 40"
kill -9 $$
`)
	pool := NewPool(10, NewProcessExecutor())
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := newTask(5 * time.Second)
	task.Descriptor = desc
	require.NoError(t, pool.Submit(task))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.Error(t, result.Err)
	assert.Equal(t, 40, result.Progress)
}

func TestProcessExecutor_TimeoutKillsProcess(t *testing.T) {
	desc := writeScript(t, `echo "progress 5"
exec sleep 30
`)
	task := newTask(0)
	task.Descriptor = desc

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewProcessExecutor().Execute(ctx, task, func(int) {})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessExecutor_MissingExecutable(t *testing.T) {
	task := newTask(0)
	_, err := NewProcessExecutor().Execute(context.Background(), task, func(int) {})
	assert.Error(t, err)

	task.Descriptor.Executable = filepath.Join(t.TempDir(), "nope")
	_, err = NewProcessExecutor().Execute(context.Background(), task, func(int) {})
	assert.Error(t, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolThroughput tests in-process throughput
func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, echoExecutor)
	pool.Start(8)
	defer pool.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for pool.Submit(Task{JobID: types.NewJobID()}) == ErrPoolFull {
			<-pool.Results()
		}
	}
}
