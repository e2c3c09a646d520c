// ============================================================================
// Mesh-Dispatch 任務管理器 - Broker 任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理 broker 內所有網格任務的生命週期與狀態轉換
//
// 設計理念:
//   採用混合式設計，兼顧性能和一致性：
//   1. jobs map - 統一的任務存儲，作為單一真實來源
//   2. queue - QUEUED 任務的 FIFO 索引
//   3. inProgress map - 執行中任務索引，供超時與關閉時處理
//
// 任務狀態轉換 (State Machine):
//   QUEUED (排隊)
//      ↓ PopQueued() + MarkInProgress()
//   IN_PROGRESS (執行中，progress 0–100 只增不減)
//      ↓ MarkFinished() / MarkFailed()
//   FINISHED / FAILED (終止狀態，不可再轉換)
//
// 狀態轉換規則:
//   - QUEUED → IN_PROGRESS: 只有 dispatch loop 可以觸發
//   - IN_PROGRESS → FINISHED: worker 正常退出
//   - QUEUED/IN_PROGRESS → FAILED: 崩潰、非零退出、超時、取消
//   - 終止狀態之後的任何轉換都回傳 ErrTerminal，狀態保持不變
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// 持久化:
//   任務狀態只存在於 broker 進程的記憶體中
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在排隊狀態
	ErrNotQueued = errors.New("job not queued")
	// 任務不在執行中狀態
	ErrNotInProgress = errors.New("job not in progress")
	// 任務已在終止狀態
	ErrTerminal = errors.New("job already in a terminal state")
	// 任務尚未完成，無結果可取
	ErrResultNotReady = errors.New("job result not ready")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Entry 任務在 broker 中的完整記錄
type Entry struct {
	Job        types.Job
	Submission types.JobSubmission
	Status     types.JobStatus
	Worker     string // 執行此任務的 worker 名稱
	Result     types.JobResult
	CreatedAt  time.Time
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// JobManager 代表任務管理器
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[types.JobID]*Entry // 所有任務的統一儲存
	queue      []types.JobID          // QUEUED 佇列（FIFO）
	inProgress map[types.JobID]*Entry // 執行中任務
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:       make(map[types.JobID]*Entry),
		queue:      make([]types.JobID, 0),
		inProgress: make(map[types.JobID]*Entry),
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Enqueue 將新任務加入系統，設定為 QUEUED
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) Enqueue(job types.Job, sub types.JobSubmission) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	now := time.Now()
	jm.jobs[job.ID] = &Entry{
		Job:        job,
		Submission: sub,
		Status:     types.JobStatus{ID: job.ID, State: types.StateQueued},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	jm.queue = append(jm.queue, job.ID)
	return nil
}

// PopQueued 依 FIFO 順序取出第一個 accept 接受的排隊任務，但不改變其狀態
//
// 返回值：
//   - *Entry: 任務副本，沒有符合的任務時回傳 nil
func (jm *JobManager) PopQueued(accept func(types.Job) bool) *Entry {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for i, id := range jm.queue {
		entry := jm.jobs[id]
		if accept != nil && !accept(entry.Job) {
			continue
		}
		jm.queue = append(jm.queue[:i:i], jm.queue[i+1:]...)
		cp := *entry
		return &cp
	}
	return nil
}

// MarkInProgress QUEUED → IN_PROGRESS
func (jm *JobManager) MarkInProgress(id types.JobID, worker string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if entry.Status.State.Terminal() {
		return ErrTerminal
	}
	if entry.Status.State != types.StateQueued {
		return ErrNotQueued
	}

	jm.removeFromQueue(id)

	now := time.Now()
	entry.Status.State = types.StateInProgress
	entry.Status.Progress = 0
	entry.Worker = worker
	entry.StartedAt = now
	entry.UpdatedAt = now
	jm.inProgress[id] = entry
	return nil
}

// UpdateProgress 更新執行中任務的進度（限制在 0–100，且不會倒退）
//
// 返回值：
//   - bool: 進度是否有變化
func (jm *JobManager) UpdateProgress(id types.JobID, progress int) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return false, ErrJobNotFound
	}
	if entry.Status.State.Terminal() {
		return false, ErrTerminal
	}
	if entry.Status.State != types.StateInProgress {
		return false, ErrNotInProgress
	}

	progress = clamp(progress)
	if progress <= entry.Status.Progress {
		return false, nil
	}
	entry.Status.Progress = progress
	entry.UpdatedAt = time.Now()
	return true, nil
}

// MarkFinished IN_PROGRESS → FINISHED，並保存結果
func (jm *JobManager) MarkFinished(id types.JobID, result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if entry.Status.State.Terminal() {
		return ErrTerminal
	}
	if entry.Status.State != types.StateInProgress {
		return ErrNotInProgress
	}

	result.ID = id
	entry.Result = result
	entry.Status.State = types.StateFinished
	entry.Status.Progress = 100
	entry.Status.Message = ""
	entry.UpdatedAt = time.Now()
	delete(jm.inProgress, id)
	return nil
}

// MarkFailed QUEUED/IN_PROGRESS → FAILED
// 進度保持在失敗當下的值，不會再增加
func (jm *JobManager) MarkFailed(id types.JobID, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if entry.Status.State.Terminal() {
		return ErrTerminal
	}

	jm.removeFromQueue(id)
	entry.Status.State = types.StateFailed
	entry.Status.Message = reason
	entry.UpdatedAt = time.Now()
	delete(jm.inProgress, id)
	return nil
}

// Cancel 取消任務
//
// 返回值：
//   - worker: 若任務執行中，回傳負責的 worker 名稱（呼叫者需終止該進程）
//   - error: ErrJobNotFound / ErrTerminal
//
// QUEUED 任務直接轉為 FAILED；IN_PROGRESS 任務保持狀態，
// 由 worker 進程結束後的結果處理轉為 FAILED。
func (jm *JobManager) Cancel(id types.JobID) (string, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}

	switch entry.Status.State {
	case types.StateQueued:
		jm.removeFromQueue(id)
		entry.Status.State = types.StateFailed
		entry.Status.Message = "cancelled"
		entry.UpdatedAt = time.Now()
		return "", nil
	case types.StateInProgress:
		return entry.Worker, nil
	default:
		return "", ErrTerminal
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Status 取得任務狀態；未知任務回傳 INVALID 狀態（不是錯誤）
func (jm *JobManager) Status(id types.JobID) types.JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return types.InvalidStatus(id)
	}
	return entry.Status
}

// Result 取得任務結果
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrResultNotReady: 任務尚未 FINISHED
func (jm *JobManager) Result(id types.JobID) (types.JobResult, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return types.JobResult{}, ErrJobNotFound
	}
	if entry.Status.State != types.StateFinished {
		return types.JobResult{}, ErrResultNotReady
	}
	return entry.Result, nil
}

// GetJob 取得任務記錄副本，不存在時回傳 nil
func (jm *JobManager) GetJob(id types.JobID) *Entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	entry, exists := jm.jobs[id]
	if !exists {
		return nil
	}
	cp := *entry
	return &cp
}

// GetAllInProgressJobs 取得所有執行中的任務 ID（關閉 broker 時使用）
func (jm *JobManager) GetAllInProgressJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.inProgress))
	for id := range jm.inProgress {
		ids = append(ids, id)
	}
	return ids
}

// GetQueuedJobs 取得所有排隊中的任務 ID（FIFO 順序）
func (jm *JobManager) GetQueuedJobs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, len(jm.queue))
	copy(ids, jm.queue)
	return ids
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobState]int{
		types.StateQueued:     0,
		types.StateInProgress: 0,
		types.StateFinished:   0,
		types.StateFailed:     0,
	}
	for _, entry := range jm.jobs {
		stats[entry.Status.State]++
	}
	return stats
}

// ============================================================================
// 內部輔助
// ============================================================================

func (jm *JobManager) removeFromQueue(id types.JobID) {
	for i, q := range jm.queue {
		if q == id {
			jm.queue = append(jm.queue[:i:i], jm.queue[i+1:]...)
			return
		}
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
