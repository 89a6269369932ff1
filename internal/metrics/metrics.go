// ============================================================================
// Flowpool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 把池的生命週期事件轉成 Prometheus 指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - flowpool_jobs_queued_total: 入隊次數（含重試）
//      - flowpool_jobs_assigned_total: 分派次數
//      - flowpool_jobs_completed_total{cached}: 完成任務數
//      - flowpool_jobs_failed_total{class}: 永久失敗任務數，依失敗分類
//      - flowpool_jobs_retried_total{class}: 重試次數，依失敗分類
//      - flowpool_jobs_cancelled_total: 取消任務數
//      - flowpool_worker_blocks_total: worker 被封鎖某 workflow 的次數
//
//   2. 性能指標 (Histogram)：
//      - flowpool_job_latency_seconds: 分派到完成的時間
//
//   3. 狀態指標 (Gauge)：
//      - flowpool_jobs{status}: 各狀態任務數
//      - flowpool_workers{state}: 各狀態 worker 數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(flowpool_jobs_completed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, flowpool_job_latency_seconds_bucket)
//
//   # 不相容造成的重試比例
//   rate(flowpool_jobs_retried_total{class="workflow_incompatibility"}[5m])
//
// HTTP 端點:
//   Handler() 回傳 /metrics 的 handler，由 httpapi 掛載
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// Sources are sampled after every lifecycle event to refresh the gauges.
type Sources struct {
	JobStats     func() map[types.JobStatus]int
	WorkerStates func() map[types.WorkerState]int
}

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsQueued    prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsCancelled prometheus.Counter
	workerBlocks  prometheus.Counter

	// 效能指標
	jobLatency prometheus.Histogram

	// 狀態指標
	jobs    *prometheus.GaugeVec
	workers *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時使用新的 registry
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpool_jobs_queued_total",
			Help: "Total number of times a job entered the queue, retries included",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpool_jobs_assigned_total",
			Help: "Total number of job attempts assigned to a worker",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpool_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"cached"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpool_jobs_failed_total",
			Help: "Total number of jobs failed permanently",
		}, []string{"class"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpool_jobs_retried_total",
			Help: "Total number of job retries",
		}, []string{"class"}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpool_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by callers",
		}),
		workerBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpool_worker_blocks_total",
			Help: "Total number of workers blocked for a workflow shape",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowpool_job_latency_seconds",
			Help:    "Time from assignment to completion in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpool_jobs",
			Help: "Current number of jobs per status",
		}, []string{"status"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpool_workers",
			Help: "Current number of workers per state",
		}, []string{"state"}),
		gatherer: reg,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsQueued,
		c.jobsAssigned,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRetried,
		c.jobsCancelled,
		c.workerBlocks,
		c.jobLatency,
		c.jobs,
		c.workers,
	)
	return c
}

// Attach 訂閱生命週期事件；回傳的函式會取消所有訂閱
func (c *Collector) Attach(sub events.Subscriber, src Sources) func() {
	refresh := func() { c.Sample(src) }
	offs := []events.Unsubscribe{
		events.On(sub, func(events.JobQueued) { c.jobsQueued.Inc(); refresh() }),
		events.On(sub, func(events.JobAssigned) { c.jobsAssigned.Inc(); refresh() }),
		events.On(sub, func(events.JobStarted) { refresh() }),
		events.On(sub, func(e events.JobCompleted) {
			c.RecordCompleted(e.Result.Cached, e.Duration.Seconds())
			refresh()
		}),
		events.On(sub, func(e events.JobFailed) { c.jobsFailed.WithLabelValues(string(e.Class)).Inc(); refresh() }),
		events.On(sub, func(e events.JobRetrying) { c.jobsRetried.WithLabelValues(string(e.Class)).Inc(); refresh() }),
		events.On(sub, func(events.JobCancelled) { c.jobsCancelled.Inc(); refresh() }),
		events.On(sub, func(events.WorkerStateChanged) { refresh() }),
		events.On(sub, func(events.WorkerBlocked) { c.workerBlocks.Inc() }),
	}
	refresh()
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(cached bool, latencySeconds float64) {
	c.jobsCompleted.WithLabelValues(strconv.FormatBool(cached)).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// Sample 重新讀取狀態指標
func (c *Collector) Sample(src Sources) {
	if src.JobStats != nil {
		stats := src.JobStats()
		for _, s := range jobStatuses {
			c.jobs.WithLabelValues(string(s)).Set(float64(stats[s]))
		}
	}
	if src.WorkerStates != nil {
		states := src.WorkerStates()
		for _, s := range workerStates {
			c.workers.WithLabelValues(string(s)).Set(float64(states[s]))
		}
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

var (
	jobStatuses = []types.JobStatus{
		types.StatusPending,
		types.StatusAssigned,
		types.StatusRunning,
		types.StatusCompleted,
		types.StatusFailed,
		types.StatusCanceled,
		types.StatusNoWorker,
	}
	workerStates = []types.WorkerState{types.WorkerIdle, types.WorkerBusy, types.WorkerOffline}
)
