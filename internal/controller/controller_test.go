package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/internal/worker"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var (
	surfaceToSurface = types.NewMeshIOType(types.KindSurface, types.KindSurface)
	surfaceToVolume  = types.NewMeshIOType(types.KindSurface, types.KindVolume)
)

// testCatalog two workers: a plain surfacer and a volumer with a short timeout
func testCatalog() *registry.Catalog {
	return registry.NewCatalog([]registry.WorkerDescriptor{
		{Name: "surfacer", Type: surfaceToSurface, Executable: "/bin/true", FileFormat: "vtk"},
		{Name: "volumer", Type: surfaceToVolume, Executable: "/bin/true", Timeout: 100 * time.Millisecond},
	})
}

// fakeExecutor behaves according to the submitted command:
//
//	ok    → progress 50, returns "mesh:ok"
//	crash → progress 40, then fails
//	block → waits for cancellation
func fakeExecutor() worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, task worker.Task, report func(int)) ([]byte, error) {
		switch string(task.Content) {
		case "ok":
			report(50)
			return []byte("mesh:ok"), nil
		case "crash":
			report(40)
			return nil, errors.New("worker exited: signal: killed")
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
}

func createTestController(t *testing.T, maxWorkers int) *Controller {
	t.Helper()

	config := Config{
		MaxWorkers:      maxWorkers,
		MinPollInterval: 5 * time.Millisecond,
		MaxPollInterval: 50 * time.Millisecond,
	}
	c := NewController(config, testCatalog(), fakeExecutor(), nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func surfacerSubmission(command string) types.JobSubmission {
	return types.NewJobSubmission(registry.WorkerDescriptor{
		Name: "surfacer", Type: surfaceToSurface, FileFormat: "vtk",
	}.Requirements(), command)
}

// waitForState waits for a job to reach the given state
func waitForState(t *testing.T, c *Controller, id types.JobID, state types.JobState) types.JobStatus {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := c.Status(id)
		if st.State == state {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := c.Status(id)
	t.Fatalf("job %s: state = %s, want %s", id, st.State, state)
	return st
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	c := NewController(Config{}, nil, nil, nil)

	if c.jobManager == nil || c.pool == nil || c.metrics == nil {
		t.Fatal("Controller not fully initialised")
	}
	if c.catalog.Len() != 0 {
		t.Errorf("catalog.Len() = %d, want 0", c.catalog.Len())
	}
	if c.config.MaxWorkers != worker.DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want %d", c.config.MaxWorkers, worker.DefaultMaxWorkers)
	}
	if c.config.MinPollInterval != DefaultMinPollInterval || c.config.MaxPollInterval != DefaultMaxPollInterval {
		t.Errorf("poll intervals = %v/%v", c.config.MinPollInterval, c.config.MaxPollInterval)
	}
}

func TestStartTwice(t *testing.T) {
	c := createTestController(t, 1)

	if err := c.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if c.StartTime().IsZero() {
		t.Error("start time not set")
	}
}

func TestCatalogQueries(t *testing.T) {
	c := createTestController(t, 1)

	if !c.CanMesh(surfaceToSurface) {
		t.Error("surface→surface should be meshable")
	}
	if c.CanMesh(types.NewMeshIOType(types.KindModel, types.KindMesh3D)) {
		t.Error("model→mesh3d should not be meshable")
	}
	if n := c.Requirements(surfaceToVolume).Len(); n != 1 {
		t.Errorf("Requirements(surface→volume).Len() = %d, want 1", n)
	}
	if n := len(c.Workers()); n != 2 {
		t.Errorf("len(Workers()) = %d, want 2", n)
	}
}

// ============================================================================
// Submission Tests
// ============================================================================

func TestSubmit_NoWorker(t *testing.T) {
	c := createTestController(t, 1)

	reqs := types.JobRequirements{WorkerName: "nobody", Type: surfaceToSurface}
	job, err := c.Submit(types.NewJobSubmission(reqs, "ok"))
	if !errors.Is(err, ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker", err)
	}
	if job.Valid() {
		t.Error("rejected submission should return the invalid job")
	}
}

func TestSubmit_NotRunning(t *testing.T) {
	c := NewController(Config{}, testCatalog(), fakeExecutor(), nil)

	if _, err := c.Submit(surfacerSubmission("ok")); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestSubmit_Finished(t *testing.T) {
	c := createTestController(t, 2)

	job, err := c.Submit(surfacerSubmission("ok"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Type != surfaceToSurface {
		t.Errorf("job.Type = %v, want %v", job.Type, surfaceToSurface)
	}

	st := waitForState(t, c, job.ID, types.StateFinished)
	if st.Progress != 100 {
		t.Errorf("Progress = %d, want 100", st.Progress)
	}

	result, err := c.Result(job.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if string(result.Data) != "mesh:ok" || result.Format != "vtk" {
		t.Errorf("result = %q (%s)", result.Data, result.Format)
	}
}

func TestSubmit_CrashKeepsProgress(t *testing.T) {
	c := createTestController(t, 1)

	job, err := c.Submit(surfacerSubmission("crash"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	st := waitForState(t, c, job.ID, types.StateFailed)
	if st.Progress != 40 {
		t.Errorf("Progress = %d, want 40", st.Progress)
	}
	if _, err := c.Result(job.ID); !errors.Is(err, jobmanager.ErrResultNotReady) {
		t.Errorf("Result err = %v, want ErrResultNotReady", err)
	}
}

func TestSubmit_Timeout(t *testing.T) {
	c := createTestController(t, 1)

	reqs, _ := c.Requirements(surfaceToVolume).First()
	job, err := c.Submit(types.NewJobSubmission(reqs, "block"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	st := waitForState(t, c, job.ID, types.StateFailed)
	if st.Message != "timed out" {
		t.Errorf("Message = %q, want %q", st.Message, "timed out")
	}
}

func TestStatus_Unknown(t *testing.T) {
	c := createTestController(t, 1)

	st, updated := c.Status(types.NewJobID())
	if st.State != types.StateInvalid {
		t.Errorf("State = %s, want invalid", st.State)
	}
	if !updated.IsZero() {
		t.Error("unknown job should have no update time")
	}
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancel_QueuedAndRunning(t *testing.T) {
	c := createTestController(t, 1)

	running, err := c.Submit(surfacerSubmission("block"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, c, running.ID, types.StateInProgress)

	// 唯一的 slot 被佔用，第二個任務停在佇列
	queued, err := c.Submit(surfacerSubmission("block"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if st, _ := c.Status(queued.ID); st.State != types.StateQueued {
		t.Fatalf("State = %s, want queued", st.State)
	}

	if err := c.Cancel(queued.ID); err != nil {
		t.Fatalf("Cancel(queued) failed: %v", err)
	}
	st, _ := c.Status(queued.ID)
	if st.State != types.StateFailed || st.Message != "cancelled" {
		t.Errorf("queued job after cancel = %s %q", st.State, st.Message)
	}

	if err := c.Cancel(running.ID); err != nil {
		t.Fatalf("Cancel(running) failed: %v", err)
	}
	st = waitForState(t, c, running.ID, types.StateFailed)
	if st.Message != "cancelled" {
		t.Errorf("Message = %q, want cancelled", st.Message)
	}

	// 已終止的任務不可再取消
	if err := c.Cancel(running.ID); !errors.Is(err, jobmanager.ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
	if err := c.Cancel(types.NewJobID()); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestUpdateProgress(t *testing.T) {
	c := createTestController(t, 1)

	job, err := c.Submit(surfacerSubmission("block"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, c, job.ID, types.StateInProgress)

	if changed, err := c.UpdateProgress(job.ID, 30); err != nil || !changed {
		t.Fatalf("UpdateProgress(30) = %v, %v", changed, err)
	}
	if changed, _ := c.UpdateProgress(job.ID, 10); changed {
		t.Error("progress must not go backwards")
	}
	if st, _ := c.Status(job.ID); st.Progress != 30 {
		t.Errorf("Progress = %d, want 30", st.Progress)
	}
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStop_FailsRemainingJobs(t *testing.T) {
	c := createTestController(t, 1)

	running, _ := c.Submit(surfacerSubmission("block"))
	waitForState(t, c, running.ID, types.StateInProgress)
	queued, _ := c.Submit(surfacerSubmission("block"))

	c.Stop()
	c.Stop() // 重複呼叫為 no-op

	if st, _ := c.Status(running.ID); st.State != types.StateFailed {
		t.Errorf("running job after Stop = %s, want failed", st.State)
	}
	st, _ := c.Status(queued.ID)
	if st.State != types.StateFailed || st.Message != "broker terminated" {
		t.Errorf("queued job after Stop = %s %q", st.State, st.Message)
	}

	if _, err := c.Submit(surfacerSubmission("ok")); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Stop err = %v, want ErrStopped", err)
	}
}

// TestStop_ConcurrentSubmit: every accepted job is terminal once Stop returns
func TestStop_ConcurrentSubmit(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := createTestController(t, 1)

		accepted := make(chan types.JobID, 400)
		done := make(chan struct{})
		for g := 0; g < 4; g++ {
			go func() {
				defer func() { done <- struct{}{} }()
				for i := 0; i < 100; i++ {
					job, err := c.Submit(surfacerSubmission("block"))
					if errors.Is(err, ErrStopped) {
						return
					}
					if err == nil {
						accepted <- job.ID
					}
				}
			}()
		}

		time.Sleep(time.Millisecond)
		c.Stop()
		for g := 0; g < 4; g++ {
			<-done
		}
		close(accepted)

		for id := range accepted {
			if st, _ := c.Status(id); !st.Terminal() {
				t.Fatalf("round %d: job %s left %s after Stop", round, id, st.State)
			}
		}
	}
}

func TestStop_NeverStarted(t *testing.T) {
	c := NewController(Config{}, nil, nil, nil)
	c.Stop()
	c.Stop()
}

func TestGetStatus(t *testing.T) {
	c := createTestController(t, 2)

	job, _ := c.Submit(surfacerSubmission("ok"))
	waitForState(t, c, job.ID, types.StateFinished)

	status := c.GetStatus()
	if status["workers"] != 2 {
		t.Errorf("workers = %v, want 2", status["workers"])
	}
	if status["finished"] != 1 {
		t.Errorf("finished = %v, want 1", status["finished"])
	}
	if status["max_workers"] != 2 {
		t.Errorf("max_workers = %v, want 2", status["max_workers"])
	}
	if status["running"] != true {
		t.Errorf("running = %v, want true", status["running"])
	}
	meshTypes, _ := status["mesh_types"].([]string)
	if len(meshTypes) != 2 || meshTypes[0] != surfaceToSurface.String() {
		t.Errorf("mesh_types = %v", status["mesh_types"])
	}
}

func TestNextInterval(t *testing.T) {
	tests := []struct {
		current, max, want time.Duration
	}{
		{32 * time.Millisecond, DefaultMaxPollInterval, 64 * time.Millisecond},
		{2 * time.Second, DefaultMaxPollInterval, DefaultMaxPollInterval},
		{DefaultMaxPollInterval, DefaultMaxPollInterval, DefaultMaxPollInterval},
	}

	for _, tt := range tests {
		if got := nextInterval(tt.current, tt.max); got != tt.want {
			t.Errorf("nextInterval(%v, %v) = %v, want %v", tt.current, tt.max, got, tt.want)
		}
	}
}

func TestMultipleJobsWorkflow(t *testing.T) {
	c := createTestController(t, 2)

	var ids []types.JobID
	for i := 0; i < 10; i++ {
		cmd := "ok"
		if i%3 == 0 {
			cmd = "crash"
		}
		job, err := c.Submit(surfacerSubmission(cmd))
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	for i, id := range ids {
		want := types.StateFinished
		if i%3 == 0 {
			want = types.StateFailed
		}
		waitForState(t, c, id, want)
	}
}
