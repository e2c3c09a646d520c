// ============================================================================
// Mesh-Dispatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 broker 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - meshd_jobs_submitted_total: 被接受的提交數
//      - meshd_jobs_rejected_total: 沒有對應 worker 而被拒絕的提交數
//      - meshd_jobs_dispatched_total: 已交給 worker 進程的任務數
//      - meshd_jobs_finished_total: 成功完成任務數
//      - meshd_jobs_failed_total: 失敗任務數（含崩潰、超時、取消）
//      - meshd_jobs_cancelled_total: 被取消的任務數
//
//   2. 性能指標 (Histogram)：
//      - meshd_job_duration_seconds: worker 進程執行時間分佈
//        * 網格任務通常是秒到分鐘級，桶從 0.1s 到 ~30 分鐘
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - meshd_jobs_queued / meshd_jobs_in_progress
//      - meshd_workers_discovered: 最近一次掃描找到的 worker 數
//      - meshd_broker_alive: broker 是否在 RUNNING 狀態
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(meshd_jobs_failed_total[5m]) / rate(meshd_jobs_dispatched_total[5m])
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, meshd_job_duration_seconds_bucket)
//
// 註冊:
//   每個 Collector 註冊到呼叫者提供的 Registerer。同一進程可以有多個
//   broker（例如測試或本機 broker + 遠端 broker），各自擁有 registry。
//
// HTTP 端點:
//   由 broker 的 worker HTTP 端點在 /metrics 暴露（見 Handler）
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshd"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	jobsRejected   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsFinished   prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	jobsQueued        prometheus.Gauge
	jobsInProgress    prometheus.Gauge
	workersDiscovered prometheus.Gauge
	brokerAlive       prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用
// prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of job submissions accepted",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of job submissions rejected because no worker matched",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs handed to a worker process",
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs finished successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled by a client",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Worker process run time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Current number of queued jobs",
		}),
		jobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_progress",
			Help:      "Current number of jobs running on a worker",
		}),
		workersDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_discovered",
			Help:      "Number of workers found by the last registry scan",
		}),
		brokerAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_alive",
			Help:      "1 while the broker is running",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsDispatched,
		c.jobsFinished,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.jobsQueued,
		c.jobsInProgress,
		c.workersDiscovered,
		c.brokerAlive,
	)

	return c
}

// RecordSubmitted 記錄提交被接受
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordRejected 記錄提交因沒有 worker 被拒絕
func (c *Collector) RecordRejected() {
	c.jobsRejected.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordFinished 記錄任務完成
func (c *Collector) RecordFinished(durationSeconds float64) {
	c.jobsFinished.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled 記錄任務被取消
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// UpdateJobStats 更新佇列狀態統計
func (c *Collector) UpdateJobStats(queued, inProgress int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsInProgress.Set(float64(inProgress))
}

// SetWorkersDiscovered 設定掃描到的 worker 數
func (c *Collector) SetWorkersDiscovered(n int) {
	c.workersDiscovered.Set(float64(n))
}

// SetBrokerAlive 設定 broker 存活狀態
func (c *Collector) SetBrokerAlive(alive bool) {
	if alive {
		c.brokerAlive.Set(1)
		return
	}
	c.brokerAlive.Set(0)
}

// Handler 回傳 g 的 /metrics HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
