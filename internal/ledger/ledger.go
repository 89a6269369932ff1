// ============================================================================
// Flowpool 任務帳本 - Job Ledger
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 所有已受理任務的唯一真實來源 (Single Source of Truth)
//
// 設計理念:
//   1. jobs map - 以 job id 為鍵的任務記錄，所有狀態修改都經過帳本方法
//   2. byRunID  - worker 指派的 run id → job id 的次要索引
//   3. 每個任務有一個 done channel 作為呼叫端的 future，多個等待者共享
//
// 任務狀態轉換:
//   pending ──► assigned ──► running ──► completed / failed
//      ▲  │                     │
//      │  └──► no_worker        └──► pending   (重試 / 改派)
//      └─────────────────────────────────────── canceled (任何非終結狀態)
//
// 冪等性:
//   終結狀態 (completed / failed / canceled) 之後到達的任何更新都會被記錄
//   並忽略，不會重複 resolve，也不會回傳錯誤。多個非同步來源可能同時回報
//   同一個終結轉換。
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - 外部 hook（dequeue、runner cancel）一律在鎖外呼叫
//
// ============================================================================

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已經結束，不能取消
	ErrAlreadyFinished = errors.New("job already finished")
	// run id 沒有對應的任務
	ErrUnknownRunID = errors.New("run id not found")
	// 圖沒有任何節點
	ErrEmptyGraph = errors.New("empty graph")
	// 選項引用了圖中不存在的節點
	ErrUnknownNode = errors.New("unknown node")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type record struct {
	job    types.Job
	done   chan struct{}
	result types.Result
	cancel func() // 目前持有任務的 runner 的取消函式
}

// Ledger 任務帳本
type Ledger struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*record
	byRunID map[string]types.JobID

	dequeue func(types.JobID) bool
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// Options 帳本選項
type Options struct {
	Bus    *events.Bus // 選用，接收 job.cancelled
	Logger *slog.Logger
}

// Stats 各狀態的任務數量
type Stats map[types.JobStatus]int

// New 建立新的任務帳本
func New(opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		jobs:    make(map[types.JobID]*record),
		byRunID: make(map[string]types.JobID),
		bus:     opts.Bus,
		logger:  logger.With("component", "ledger"),
		now:     time.Now,
	}
}

// SetDequeue 設定取消 pending 任務時使用的移除函式（通常是 queue.Dequeue）
func (l *Ledger) SetDequeue(fn func(types.JobID) bool) {
	l.mu.Lock()
	l.dequeue = fn
	l.mu.Unlock()
}

// Admit 受理一個新任務，狀態設為 pending，立即返回 job id
//
// 參數說明：
//   - g: 工作流圖；帳本保存的是深拷貝，之後呼叫端修改原圖不影響已受理的任務
//   - opts: 呼叫端選項
//
// 返回值：
//   - types.JobID: 新產生的任務 ID
//   - error: 圖為空、選項引用不存在的節點、或圖無法複製／計算指紋時回傳
//
// 使用範例：
//
//	id, err := l.Admit(g, types.JobOptions{Priority: 1})
//	if err != nil {
//	    return err
//	}
//	res, err := l.AwaitResult(ctx, id)
func (l *Ledger) Admit(g graph.Graph, opts types.JobOptions) (types.JobID, error) {
	if len(g) == 0 {
		return "", fmt.Errorf("admit: %w", ErrEmptyGraph)
	}
	if err := checkNodes(g, opts); err != nil {
		return "", fmt.Errorf("admit: %w", err)
	}
	snapshot, err := g.Clone()
	if err != nil {
		return "", fmt.Errorf("admit: snapshot graph: %w", err)
	}
	fp, err := snapshot.Fingerprint()
	if err != nil {
		return "", fmt.Errorf("admit: fingerprint: %w", err)
	}

	now := l.now().UnixMilli()
	id := types.JobID(uuid.NewString())
	rec := &record{
		job: types.Job{
			ID:          id,
			Graph:       snapshot,
			Fingerprint: fp,
			Options:     opts,
			Status:      types.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		done: make(chan struct{}),
	}

	l.mu.Lock()
	l.jobs[id] = rec
	l.mu.Unlock()

	l.logger.Debug("Job admitted", "jobID", id, "fingerprint", fp)
	return id, nil
}

// checkNodes 確認 Outputs 與 Bypass 只引用圖中的節點，且輸出節點沒有被略過。
// 這類錯誤換哪個 worker 都一樣，必須在派工前擋下。
func checkNodes(g graph.Graph, opts types.JobOptions) error {
	bypassed := make(map[string]struct{}, len(opts.Bypass))
	for _, id := range opts.Bypass {
		if !g.Has(id) {
			return fmt.Errorf("%w: bypass node %q", ErrUnknownNode, id)
		}
		bypassed[id] = struct{}{}
	}
	nodes := make([]string, 0, len(opts.Outputs))
	for node := range opts.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if !g.Has(node) {
			return fmt.Errorf("%w: output node %q", ErrUnknownNode, node)
		}
		if _, ok := bypassed[node]; ok {
			return fmt.Errorf("%w: output node %q is bypassed", ErrUnknownNode, node)
		}
	}
	return nil
}

// Get 取得任務的拷貝
func (l *Ledger) Get(id types.JobID) (types.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return rec.job, nil
}

// JobByRunID 透過 run id 找到任務
func (l *Ledger) JobByRunID(runID string) (types.Job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byRunID[runID]
	if !ok {
		return types.Job{}, ErrUnknownRunID
	}
	return l.jobs[id].job, nil
}

// List 依受理時間列出任務；statuses 為空時列出全部
func (l *Ledger) List(statuses ...types.JobStatus) []types.Job {
	l.mu.RLock()
	out := make([]types.Job, 0, len(l.jobs))
	for _, rec := range l.jobs {
		if len(statuses) > 0 && !hasStatus(statuses, rec.job.Status) {
			continue
		}
		out = append(out, rec.job)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats 回傳各狀態的任務數量
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := Stats{}
	for _, rec := range l.jobs {
		stats[rec.job.Status]++
	}
	return stats
}

// Update 在鎖內修改非終結任務。終結任務被忽略並回傳 false。
func (l *Ledger) Update(id types.JobID, fn func(*types.Job)) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		l.logger.Debug("Ignoring update for finished job", "jobID", id, "status", rec.job.Status)
		return false, nil
	}
	fn(&rec.job)
	if rec.job.LastError != nil {
		rec.job.ErrorText = rec.job.LastError.Error()
	}
	rec.job.UpdatedAt = l.now().UnixMilli()
	return true, nil
}

// SetStatus 設定非終結狀態
func (l *Ledger) SetStatus(id types.JobID, status types.JobStatus) error {
	if status.Terminal() {
		return fmt.Errorf("set status: %s is terminal, use Complete, FailByID or MarkCanceled", status)
	}
	_, err := l.Update(id, func(j *types.Job) { j.Status = status })
	return err
}

// SetRunID 記錄 worker 指派的 run id，任務進入 running
func (l *Ledger) SetRunID(id types.JobID, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		l.logger.Debug("Ignoring run id for finished job", "jobID", id, "runID", runID)
		return nil
	}
	if old := rec.job.RunID; old != "" {
		delete(l.byRunID, old)
	}
	rec.job.RunID = runID
	rec.job.Status = types.StatusRunning
	rec.job.UpdatedAt = l.now().UnixMilli()
	l.byRunID[runID] = id
	return nil
}

// Attach 登記目前持有任務的 runner 的取消函式
func (l *Ledger) Attach(id types.JobID, cancel func()) {
	l.mu.Lock()
	if rec, ok := l.jobs[id]; ok {
		rec.cancel = cancel
	}
	l.mu.Unlock()
}

// Detach 移除 runner 的取消函式
func (l *Ledger) Detach(id types.JobID) {
	l.mu.Lock()
	if rec, ok := l.jobs[id]; ok {
		rec.cancel = nil
	}
	l.mu.Unlock()
}

// Complete 將任務標記為完成並喚醒所有等待者
func (l *Ledger) Complete(id types.JobID, res types.Result) error {
	res.Status = types.StatusCompleted
	res.Err = nil
	_, err := l.finish(id, res, nil)
	return err
}

// CompleteByRunID 透過 run id 完成任務
func (l *Ledger) CompleteByRunID(runID string, res types.Result) error {
	l.mu.RLock()
	id, ok := l.byRunID[runID]
	l.mu.RUnlock()
	if !ok {
		return ErrUnknownRunID
	}
	return l.Complete(id, res)
}

// FailByID 將任務標記為永久失敗
func (l *Ledger) FailByID(id types.JobID, err error) error {
	_, ferr := l.finish(id, types.Result{Status: types.StatusFailed, Err: err}, err)
	return ferr
}

// MarkCanceled 將任務標記為取消；重複呼叫為 no-op
func (l *Ledger) MarkCanceled(id types.JobID) error {
	_, err := l.markCanceled(id)
	return err
}

func (l *Ledger) markCanceled(id types.JobID) (bool, error) {
	return l.finish(id, types.Result{
		Status: types.StatusCanceled,
		Err:    failure.Interrupted(l.runID(id), true),
	}, nil)
}

// finish 是進入終結狀態的唯一路徑；回傳這次呼叫是否真的完成了轉換
func (l *Ledger) finish(id types.JobID, res types.Result, lastErr error) (bool, error) {
	l.mu.Lock()
	rec, ok := l.jobs[id]
	if !ok {
		l.mu.Unlock()
		return false, ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		status := rec.job.Status
		l.mu.Unlock()
		l.logger.Debug("Ignoring late resolution", "jobID", id, "status", status, "attempted", res.Status)
		return false, nil
	}

	rec.job.Status = res.Status
	rec.job.UpdatedAt = l.now().UnixMilli()
	if lastErr != nil {
		rec.job.LastError = lastErr
		rec.job.ErrorText = lastErr.Error()
	}
	stored := res
	rec.job.Result = &stored
	rec.result = res
	stop := rec.cancel
	rec.cancel = nil
	close(rec.done)
	l.mu.Unlock()

	l.logger.Info("Job finished", "jobID", id, "status", res.Status)
	if res.Status == types.StatusCanceled {
		// 取消時若有 runner 持有任務，一併中斷 worker 上的 run
		if stop != nil {
			stop()
		}
		if l.bus != nil {
			l.bus.Publish(events.JobCancelled{JobID: id})
		}
	}
	return true, nil
}

func (l *Ledger) runID(id types.JobID) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.jobs[id]; ok {
		return rec.job.RunID
	}
	return ""
}

// Cancel 取消任務
//
// 行為：
//   - pending / no_worker: 從佇列移除並標記取消
//   - assigned / running: 要求 runner 中斷 worker 上的 run，標記取消；
//     worker 在 runner 結束後由佇列釋放
//   - 已終結: 回傳 ErrAlreadyFinished
func (l *Ledger) Cancel(ctx context.Context, id types.JobID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	rec, ok := l.jobs[id]
	if !ok {
		l.mu.RUnlock()
		return ErrJobNotFound
	}
	status := rec.job.Status
	dequeue := l.dequeue
	l.mu.RUnlock()

	if status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, status)
	}

	// 任務可能在 dequeue 前被派出；runner 的取消由 finish 在轉換時呼叫，
	// 所以不論哪一邊先到都會中斷 worker。
	if !status.Active() && dequeue != nil {
		dequeue(id)
	}

	l.logger.Info("Job cancel requested", "jobID", id, "status", status)
	done, err := l.markCanceled(id)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%w: %s finished before cancellation", ErrAlreadyFinished, id)
	}
	return nil
}

// AwaitResult 等待任務結束；多個呼叫者會拿到同一個結果
func (l *Ledger) AwaitResult(ctx context.Context, id types.JobID) (types.Result, error) {
	l.mu.RLock()
	rec, ok := l.jobs[id]
	l.mu.RUnlock()
	if !ok {
		return types.Result{}, ErrJobNotFound
	}

	select {
	case <-rec.done:
		l.mu.RLock()
		defer l.mu.RUnlock()
		return rec.result, nil
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

func hasStatus(statuses []types.JobStatus, s types.JobStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
