// ============================================================================
// Mesh-Dispatch 控制器 - Broker 任務調度核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調任務表、worker 目錄與 worker pool，把提交的網格任務交給
//       對應的 worker 進程並追蹤其生命週期
//
// 架構設計:
//   - JobManager: 任務狀態管理（queued/in_progress/finished/failed）
//   - Catalog: 啟動時掃描得到的 worker 目錄（不可變）
//   - WorkerPool: 有上限的執行槽，每個槽同時只跑一個 worker 進程
//   - Collector: Prometheus 指標
//
// 核心循環 (3 個並發 Goroutine):
//   1. Dispatch Loop - 自適應輪詢，把 QUEUED 任務交給空閒的 slot
//   2. Result Loop   - 接收 worker 結束結果，轉為 FINISHED / FAILED
//   3. Progress Loop - 接收 worker 進度回報（stdout）
//
// 自適應輪詢:
//   間隔在 MinPollInterval 與 MaxPollInterval 之間：
//   - 有派發或有新提交（wake）時重設為最小值
//   - 閒置時每次加倍，直到最大值
//
// 失敗語義:
//   - 提交時沒有對應 worker → 立即回傳 ErrNoWorker（不入隊）
//   - worker 非零退出、崩潰、超時、取消 → FAILED，保留最後進度
//   - Stop 時仍在執行或排隊的任務 → FAILED
//
// 並發安全:
//   - JobManager 自身有 RWMutex
//   - c.mu 序列化派發決策、取消與 Start/Stop
//   - stopCh 用於關閉 dispatch loop；result/progress loop 依 pool 關閉通道退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/mesh-dispatch/internal/metrics"
	"github.com/ChuLiYu/mesh-dispatch/internal/registry"
	"github.com/ChuLiYu/mesh-dispatch/internal/worker"
	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var log = slog.Default()

// 預設輪詢間隔
const (
	DefaultMinPollInterval = 32 * time.Millisecond
	DefaultMaxPollInterval = 2500 * time.Millisecond
)

var (
	// ErrNoWorker 沒有 worker 符合提交的需求
	ErrNoWorker = errors.New("no worker matches the job requirements")
	// ErrStopped Controller 未在運行
	ErrStopped = errors.New("controller is not running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxWorkers      int           // 同時執行的 worker 進程數，<= 0 使用預設 2
	JobTimeout      time.Duration // 任務超時，0 表示不限制；描述檔的 Timeout 優先
	MinPollInterval time.Duration // 最短輪詢間隔
	MaxPollInterval time.Duration // 最長輪詢間隔
	ResultBuffer    int           // 結果/進度通道緩衝
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = worker.DefaultMaxWorkers
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = DefaultMaxPollInterval
		if c.MaxPollInterval < c.MinPollInterval {
			c.MaxPollInterval = c.MinPollInterval
		}
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 64
	}
	return c
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	jobManager *jobmanager.JobManager
	catalog    *registry.Catalog
	pool       *worker.Pool
	metrics    *metrics.Collector
	config     Config
	stopCh     chan struct{}
	wakeCh     chan struct{} // 通知 dispatch loop 立即派發
	started    bool
	stopped    bool
	startTime  time.Time
	loopWg     sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - catalog: worker 目錄，nil 時視為空目錄
//   - executor: worker 執行方式，nil 時使用 ProcessExecutor
//   - collector: 指標收集器，nil 時使用私有 registry
func NewController(config Config, catalog *registry.Catalog, executor worker.Executor, collector *metrics.Collector) *Controller {
	config = config.withDefaults()
	if catalog == nil {
		catalog = registry.EmptyCatalog()
	}
	if collector == nil {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}

	return &Controller{
		jobManager: jobmanager.NewJobManager(),
		catalog:    catalog,
		pool:       worker.NewPool(config.ResultBuffer, executor),
		metrics:    collector,
		config:     config,
		stopCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
	}
}

// Start 啟動 Worker Pool 和三個核心循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("controller already started")
	}

	if err := c.pool.Start(c.config.MaxWorkers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.started = true
	c.startTime = time.Now()
	c.metrics.SetWorkersDiscovered(c.catalog.Len())

	c.loopWg.Add(3)
	go c.dispatchLoop()
	go c.resultLoop()
	go c.progressLoop()

	log.Info("Controller started",
		"maxWorkers", c.config.MaxWorkers,
		"workers", c.catalog.Len())
	return nil
}

// ============================================================================
// 三個核心循環
// ============================================================================

// dispatchLoop 以自適應間隔把排隊任務交給空閒 slot
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()

	interval := c.config.MinPollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Dispatch loop stopped")
			return

		case <-c.wakeCh:
			c.dispatchPending()
			interval = c.config.MinPollInterval

		case <-timer.C:
			if c.dispatchPending() > 0 {
				interval = c.config.MinPollInterval
			} else {
				interval = nextInterval(interval, c.config.MaxPollInterval)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// nextInterval 閒置時加倍，不超過 max
func nextInterval(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// dispatchPending 派發直到沒有空閒 slot 或沒有排隊任務，回傳派發數
func (c *Controller) dispatchPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0
	}

	dispatched := 0
	for c.pool.Available() > 0 {
		entry := c.jobManager.PopQueued(nil)
		if entry == nil {
			break
		}

		desc, ok := c.catalog.Find(entry.Submission.Requirements)
		if !ok {
			c.fail(entry.Job.ID, "worker no longer available", 0)
			continue
		}

		if err := c.jobManager.MarkInProgress(entry.Job.ID, desc.Name); err != nil {
			// 在取出與派發之間被取消
			log.Debug("Skipping job", "jobID", entry.Job.ID, "error", err)
			continue
		}

		timeout := c.config.JobTimeout
		if desc.Timeout > 0 {
			timeout = desc.Timeout
		}
		task := worker.Task{
			JobID:      entry.Job.ID,
			Descriptor: desc,
			Content:    entry.Submission.Command(),
			Timeout:    timeout,
		}

		if err := c.pool.Submit(task); err != nil {
			if !errors.Is(err, worker.ErrPoolClosed) {
				log.Error("Failed to submit task", "jobID", entry.Job.ID, "error", err)
			}
			c.fail(entry.Job.ID, "dispatch failed: "+err.Error(), 0)
			continue
		}

		c.metrics.RecordDispatch()
		dispatched++
		log.Debug("Job dispatched", "jobID", entry.Job.ID, "worker", desc.Name)
	}

	c.updateStats()
	return dispatched
}

// resultLoop 處理 worker 執行結果，直到 pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
	}
	log.Info("Result loop stopped")
}

// progressLoop 轉發 worker stdout 上的進度回報
func (c *Controller) progressLoop() {
	defer c.loopWg.Done()
	for p := range c.pool.ProgressUpdates() {
		if _, err := c.jobManager.UpdateProgress(p.JobID, p.Value); err != nil {
			log.Debug("Ignoring progress", "jobID", p.JobID, "error", err)
		}
	}
}

// handleResult 處理單個任務結果
func (c *Controller) handleResult(result worker.Result) {
	// 先套用最後進度，失敗的任務保留崩潰前的進度
	if result.Progress > 0 {
		c.jobManager.UpdateProgress(result.JobID, result.Progress)
	}

	if result.Success {
		err := c.jobManager.MarkFinished(result.JobID, types.JobResult{
			Format: result.Format,
			Data:   result.Data,
		})
		if err != nil {
			log.Error("Failed to mark finished", "jobID", result.JobID, "error", err)
		} else {
			c.metrics.RecordFinished(result.Duration.Seconds())
			log.Info("Job finished",
				"jobID", result.JobID,
				"worker", result.Worker,
				"duration", result.Duration)
		}
	} else {
		reason := failureReason(result)
		if result.Cancelled {
			c.metrics.RecordCancelled()
		}
		c.fail(result.JobID, reason, result.Duration)
		log.Warn("Job failed",
			"jobID", result.JobID,
			"worker", result.Worker,
			"reason", reason)
	}

	c.updateStats()
	c.wake()
}

func failureReason(result worker.Result) string {
	switch {
	case result.Cancelled:
		return "cancelled"
	case errors.Is(result.Err, context.DeadlineExceeded):
		return "timed out"
	case result.Err != nil:
		return result.Err.Error()
	default:
		return "worker failed"
	}
}

// fail 標記失敗並記錄指標；終止狀態的任務忽略
func (c *Controller) fail(id types.JobID, reason string, d time.Duration) {
	if err := c.jobManager.MarkFailed(id, reason); err != nil {
		log.Debug("Failed to mark failed", "jobID", id, "error", err)
		return
	}
	c.metrics.RecordFailed(d.Seconds())
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Controller) updateStats() {
	stats := c.jobManager.Stats()
	c.metrics.UpdateJobStats(stats[types.StateQueued], stats[types.StateInProgress])
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 把提交加入佇列
//
// 錯誤處理：
//   - ErrNoWorker: 目錄中沒有 worker 符合 sub.Requirements，回傳 InvalidJob
//   - ErrStopped: Controller 未在運行
func (c *Controller) Submit(sub types.JobSubmission) (types.Job, error) {
	// 持有 c.mu 直到入列完成，Stop 的最後清理不會漏掉此任務
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return types.InvalidJob(), ErrStopped
	}

	desc, ok := c.catalog.Find(sub.Requirements)
	if !ok {
		c.mu.Unlock()
		c.metrics.RecordRejected()
		log.Warn("Rejected submission",
			"worker", sub.Requirements.WorkerName,
			"type", sub.Requirements.Type.String())
		return types.InvalidJob(), ErrNoWorker
	}

	job := types.Job{ID: types.NewJobID(), Type: desc.Type}
	err := c.jobManager.Enqueue(job, sub)
	c.mu.Unlock()
	if err != nil {
		return types.InvalidJob(), fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.metrics.RecordSubmitted()
	c.updateStats()
	c.wake()

	log.Info("Job queued", "jobID", job.ID, "worker", desc.Name)
	return job, nil
}

// Status 任務狀態與最後更新時間；未知任務回傳 INVALID
func (c *Controller) Status(id types.JobID) (types.JobStatus, time.Time) {
	entry := c.jobManager.GetJob(id)
	if entry == nil {
		return types.InvalidStatus(id), time.Time{}
	}
	return entry.Status, entry.UpdatedAt
}

// Result 任務結果；未完成時回傳 jobmanager.ErrResultNotReady
func (c *Controller) Result(id types.JobID) (types.JobResult, error) {
	return c.jobManager.Result(id)
}

// Cancel 取消任務
//
// QUEUED 任務立即轉為 FAILED；IN_PROGRESS 任務的 worker 進程被終止，
// 由 result loop 轉為 FAILED。
func (c *Controller) Cancel(id types.JobID) error {
	// 與 dispatchPending 互斥，MarkInProgress 與 pool.Submit 之間不會被取消
	c.mu.Lock()
	defer c.mu.Unlock()

	workerName, err := c.jobManager.Cancel(id)
	if err != nil {
		return err
	}

	if workerName == "" {
		c.metrics.RecordCancelled()
		c.metrics.RecordFailed(0)
		c.updateStats()
		log.Info("Queued job cancelled", "jobID", id)
		return nil
	}

	if !c.pool.Cancel(id) {
		// worker 剛結束，結果由 result loop 處理
		log.Debug("Cancel raced with completion", "jobID", id)
	}
	log.Info("Running job cancelled", "jobID", id, "worker", workerName)
	return nil
}

// UpdateProgress 來自 worker HTTP 回報的進度
func (c *Controller) UpdateProgress(id types.JobID, progress int) (bool, error) {
	return c.jobManager.UpdateProgress(id, progress)
}

// CanMesh 是否有 worker 服務 t
func (c *Controller) CanMesh(t types.MeshIOType) bool {
	return c.catalog.CanMesh(t)
}

// Requirements 服務 t 的所有 worker 需求
func (c *Controller) Requirements(t types.MeshIOType) types.JobRequirementsSet {
	return c.catalog.Requirements(t)
}

// Workers 目錄中的所有 worker
func (c *Controller) Workers() []registry.WorkerDescriptor {
	return c.catalog.Workers()
}

// StartTime 啟動時間
func (c *Controller) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Since(c.startTime)
	c.mu.Unlock()

	meshTypes := []string{}
	for _, t := range c.catalog.Types() {
		meshTypes = append(meshTypes, t.String())
	}

	stats := c.jobManager.Stats()
	return map[string]interface{}{
		"uptime":      uptime.String(),
		"running":     c.pool.IsStarted(),
		"workers":     c.catalog.Len(),
		"mesh_types":  meshTypes,
		"max_workers": c.pool.GetWorkerCount(),
		"queued":      stats[types.StateQueued],
		"in_progress": stats[types.StateInProgress],
		"finished":    stats[types.StateFinished],
		"failed":      stats[types.StateFailed],
	}
}

// Stop 關閉 Controller
//
// 關閉順序：
//  1. 標記 stopped，close(stopCh) → dispatch loop 退出
//  2. pool.Stop() → 終止所有 worker 進程，關閉結果/進度通道
//  3. loopWg.Wait() → result/progress loop 處理完剩餘訊息後退出
//  4. 仍在 QUEUED / IN_PROGRESS 的任務標記為 FAILED
//
// 重複呼叫為 no-op。
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	log.Info("Stopping controller...")

	c.pool.Stop()
	c.loopWg.Wait()

	for _, id := range c.jobManager.GetAllInProgressJobs() {
		c.fail(id, "broker terminated", 0)
	}
	for _, id := range c.jobManager.GetQueuedJobs() {
		c.fail(id, "broker terminated", 0)
	}
	c.updateStats()

	log.Info("Controller stopped")
}
