package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// DefaultMonitorInterval Monitor 輪詢間隔
const DefaultMonitorInterval = 250 * time.Millisecond

// EventKind Monitor 事件種類
type EventKind int

const (
	// StatusChanged 狀態或進度改變
	StatusChanged EventKind = iota
	// Finished 任務完成，之後不再追蹤
	Finished
	// Failed 任務失敗，之後不再追蹤
	Failed
)

func (k EventKind) String() string {
	switch k {
	case StatusChanged:
		return "status_changed"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event 任務狀態事件
type Event struct {
	Kind   EventKind
	Job    types.Job
	Status types.JobStatus
}

type watched struct {
	job    types.Job
	status types.JobStatus
}

// Monitor 同時追蹤多個任務，定期輪詢並送出事件
//
// 狀態改變時送出 StatusChanged；到達 FINISHED / FAILED 時另外送出
// Finished / Failed 並停止追蹤。Watch / Unwatch 可與 Run 並發呼叫。
type Monitor struct {
	client   *Client
	interval time.Duration
	events   chan Event

	mu   sync.Mutex
	jobs map[types.JobID]*watched

	emitMu sync.RWMutex
	closed bool
	done   chan struct{} // Run 結束時關閉
}

// NewMonitor 建立 Monitor；interval <= 0 使用 DefaultMonitorInterval
func NewMonitor(c *Client, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		client:   c,
		interval: interval,
		events:   make(chan Event, 64),
		jobs:     make(map[types.JobID]*watched),
		done:     make(chan struct{}),
	}
}

// Events 事件通道，Run 結束時關閉
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Watch 開始追蹤 job，並取得其初始狀態
func (m *Monitor) Watch(ctx context.Context, job types.Job) error {
	st, err := m.client.fetchStatus(ctx, job.ID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.jobs[job.ID] = &watched{job: job, status: st}
	}
	return nil
}

// Unwatch 停止追蹤 job
func (m *Monitor) Unwatch(job types.Job) {
	m.mu.Lock()
	delete(m.jobs, job.ID)
	m.mu.Unlock()
}

// Jobs 目前追蹤中的任務，依 id 排序
func (m *Monitor) Jobs() []types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]types.Job, 0, len(m.jobs))
	for _, w := range m.jobs {
		jobs = append(jobs, w.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// CheckFailed 查詢 job 目前狀態；FAILED 時停止追蹤並送出事件
//
// 與 Client.HasJobFailed 相同，只檢查狀態，不要求 broker 取消。
func (m *Monitor) CheckFailed(ctx context.Context, job types.Job) (bool, error) {
	st, err := m.client.fetchStatus(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !st.Failed() {
		return false, nil
	}

	m.Unwatch(job)
	m.emit(ctx, Event{Kind: StatusChanged, Job: job, Status: st})
	m.emit(ctx, Event{Kind: Failed, Job: job, Status: st})
	return true, nil
}

// Run 每個 interval 輪詢一次，直到 ctx 結束；結束時關閉事件通道。
// 每個 Monitor 只能呼叫一次 Run。
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		close(m.done)
		m.emitMu.Lock()
		m.closed = true
		close(m.events)
		m.emitMu.Unlock()
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll 輪詢所有追蹤中的任務一次
func (m *Monitor) Poll(ctx context.Context) {
	for _, job := range m.Jobs() {
		st, err := m.client.fetchStatus(ctx, job.ID)
		if err != nil {
			log.Debug("Monitor poll failed", "jobID", job.ID, "error", err)
			continue
		}

		m.mu.Lock()
		w, ok := m.jobs[job.ID]
		if !ok {
			// 輪詢期間被 Unwatch
			m.mu.Unlock()
			continue
		}
		changed := st.State != w.status.State || st.Progress != w.status.Progress
		w.status = st
		if st.Terminal() {
			delete(m.jobs, job.ID)
		}
		m.mu.Unlock()

		if changed {
			m.emit(ctx, Event{Kind: StatusChanged, Job: job, Status: st})
		}
		switch {
		case st.Finished():
			m.emit(ctx, Event{Kind: Finished, Job: job, Status: st})
		case st.Failed():
			m.emit(ctx, Event{Kind: Failed, Job: job, Status: st})
		}
	}
}

func (m *Monitor) emit(ctx context.Context, ev Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	case <-m.done:
	}
}
