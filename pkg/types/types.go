// Package types 定義了 flowpool 系統中使用的核心領域模型
package types

import (
	"time"

	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// JobID 任務唯一識別碼（admission 時產生，不會改變）
type JobID string

// JobStatus 任務狀態
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // 等待排程
	StatusAssigned  JobStatus = "assigned"  // 已分配 worker，尚未取得 run id
	StatusRunning   JobStatus = "running"   // worker 已接受，run id 已知
	StatusCompleted JobStatus = "completed" // 成功完成
	StatusFailed    JobStatus = "failed"    // 永久失敗
	StatusCanceled  JobStatus = "canceled"  // 呼叫端取消
	StatusNoWorker  JobStatus = "no_worker" // 目前沒有任何合格 worker
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Active reports whether a worker currently holds the job.
func (s JobStatus) Active() bool {
	return s == StatusAssigned || s == StatusRunning
}

// WorkerState worker 存活狀態
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerOffline WorkerState = "offline"
)

// GeneralGroup is the affinity group of jobs no worker declared affinity for.
const GeneralGroup = "general"

// JobOptions 呼叫端在 admission 時給的選項
type JobOptions struct {
	Priority         int               `json:"priority,omitempty"`
	PreferredWorkers []string          `json:"preferred_workers,omitempty"`
	ExcludedWorkers  []string          `json:"excluded_workers,omitempty"`
	WorkerPriorities map[string]int    `json:"worker_priorities,omitempty"` // 覆寫 worker 靜態優先權
	MaxAttempts      int               `json:"max_attempts,omitempty"`
	RetryDelay       time.Duration     `json:"retry_delay,omitempty"`
	Outputs          map[string]string `json:"outputs,omitempty"` // 輸出節點 id -> alias
	Bypass           []string          `json:"bypass,omitempty"`  // 送出前移除的節點
}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	// 識別與資料
	ID          JobID       `json:"id"`
	Graph       graph.Graph `json:"graph"`
	Fingerprint string      `json:"fingerprint"`
	Options     JobOptions  `json:"options"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
	RunID    string    `json:"run_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`

	// 結果（與狀態互斥）
	Result    *Result `json:"result,omitempty"`
	LastError error   `json:"-"`
	ErrorText string  `json:"error,omitempty"` // LastError 的文字，供 API 輸出

	// 時間（Unix 毫秒）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Result 任務終結時交給呼叫端的結果
type Result struct {
	Status  JobStatus      `json:"status"`
	Outputs map[string]any `json:"outputs,omitempty"` // 依 alias 索引
	Raw     map[string]any `json:"raw,omitempty"`     // 未指定 alias 的節點輸出
	Cached  bool           `json:"cached,omitempty"`
	Err     error          `json:"-"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Err != nil }
