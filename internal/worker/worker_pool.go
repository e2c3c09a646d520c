// ============================================================================
// Mesh-Dispatch Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的執行槽（slot），每個槽同時只執行一個 worker 進程
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 slot goroutine 持續運行（預設 2，與本機 broker 相同）
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 與進度 channel 回報
//
// 架構組件:
//   ┌─────────────┐
//   │   Broker    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   Results() / ProgressUpdates()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Slot 1  │←── taskCh   ──→ resultCh
//   │  │Slot 2  │←── taskCh   ──→ progressCh
//   │  └────────┘ │
//   └─────────────┘
//
// 並發控制:
//   - Submit 只在有空閒 slot 時接受任務，否則回傳 ErrPoolFull
//     （任務保持 QUEUED，由 broker 下一輪再派發）
//   - taskCh 容量等於 slot 數，因此 Submit 永遠不會阻塞
//   - 每個任務都有自己的 cancel，Cancel(jobID) 會終止其 worker 進程
//   - Mutex 保護 started/stopped/active 狀態，Stop 與 Submit 不會競爭 taskCh
//
// 優雅關閉:
//   Stop() 流程：
//   1. 設定 stopped，關閉 taskCh
//   2. 取消所有執行中任務（kill worker 進程）
//   3. 等待所有 slot 退出
//   4. 關閉 resultCh 與 progressCh
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

var log = slog.Default()

// DefaultMaxWorkers 預設同時執行的 worker 進程數
const DefaultMaxWorkers = 2

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示沒有空閒的 slot
	ErrPoolFull = errors.New("worker pool has no idle slot")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	executor   Executor
	workers    []*Worker
	taskCh     chan Task
	resultCh   chan Result
	progressCh chan Progress
	stopCh     chan struct{}

	ctx       context.Context
	cancelAll context.CancelFunc
	cancels   map[types.JobID]context.CancelFunc // 執行中任務的 cancel
	cancelled map[types.JobID]bool               // 被 Cancel 的任務

	active  int // 已提交但尚未回報結果的任務數
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 結果和進度通道的緩衝大小
//   - executor: 執行任務的方式，nil 時使用 ProcessExecutor
func NewPool(bufferSize int, executor Executor) *Pool {
	if executor == nil {
		executor = NewProcessExecutor()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		executor:   executor,
		workers:    make([]*Worker, 0),
		resultCh:   make(chan Result, bufferSize),
		progressCh: make(chan Progress, bufferSize),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancelAll:  cancel,
		cancels:    make(map[types.JobID]context.CancelFunc),
		cancelled:  make(map[types.JobID]bool),
	}
}

// Start 啟動指定數量的 slot，workerCount <= 0 時使用 DefaultMaxWorkers
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		workerCount = DefaultMaxWorkers
	}

	p.taskCh = make(chan Task, workerCount)
	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到空閒的 slot
//
// 錯誤處理：
//   - ErrPoolNotStarted / ErrPoolClosed: Pool 狀態不允許
//   - ErrPoolFull: 所有 slot 都在忙
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if p.active >= len(p.workers) {
		return ErrPoolFull
	}

	ctx, cancel := context.WithCancel(p.ctx)
	task.ctx = ctx
	p.cancels[task.JobID] = cancel
	p.active++

	// active <= len(workers) == cap(taskCh)，不會阻塞
	p.taskCh <- task
	return nil
}

// Available 回傳目前空閒的 slot 數
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || p.stopped {
		return 0
	}
	return len(p.workers) - p.active
}

// Cancel 取消執行中的任務，回傳任務是否在此 Pool 中執行
func (p *Pool) Cancel(id types.JobID) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	if ok {
		p.cancelled[id] = true
	}
	p.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Results 結果通道，Stop 後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ProgressUpdates 進度通道，Stop 後關閉
func (p *Pool) ProgressUpdates() <-chan Progress {
	return p.progressCh
}

// Stop 關閉 Worker Pool，執行中的 worker 進程會被終止
// 重複呼叫或未啟動時呼叫皆為 no-op
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.cancelAll()
	close(p.stopCh)

	p.wg.Wait()

	close(p.resultCh)
	close(p.progressCh)
}

// GetWorkerCount 返回 slot 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// ============================================================================
// slot 回呼
// ============================================================================

func (p *Pool) wasCancelled(id types.JobID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[id]
}

// publishProgress 非阻塞送出進度；通道滿時丟棄（Result 仍帶有最後進度）
func (p *Pool) publishProgress(pr Progress) {
	select {
	case p.progressCh <- pr:
	default:
	}
}

// finish 釋放 slot 並送出結果
func (p *Pool) finish(result Result) {
	p.mu.Lock()
	p.active--
	cancel := p.cancels[result.JobID]
	delete(p.cancels, result.JobID)
	delete(p.cancelled, result.JobID)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case p.resultCh <- result:
	case <-p.stopCh:
		log.Debug("dropping result after pool stop", "jobID", result.JobID)
	}
}
