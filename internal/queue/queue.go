// ============================================================================
// Flowpool Scheduler - affinity-grouped job queue
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Hold pending jobs per affinity group and hand each to an idle,
//          compatible worker through a runner.
//
// Triggers (no polling):
//   - Enqueue            new job or retry
//   - Kick               a worker became idle, was added or unblocked
//   A trigger that finds a pass already running sets rerun and returns; the
//   running pass loops once more before clearing the processing flag, so no
//   trigger is lost and no two passes ever pop concurrently.
//
// Processing pass, per group:
//   1. peek the head
//   2. ask the registry for a worker (live-checked for the general group)
//   3. none: the job stays at the head as pending (or no_worker when no
//      worker could ever take it) and the group is done for this pass
//   4. found: the worker is already claimed busy; pop, mark assigned and
//      start a runner on its own goroutine
//   5. stop early once no worker is idle anywhere
//
// Outcomes:
//   success        → completed, worker released (release kicks a pass)
//   failure        → failure.Classify decides: offline+retry (connection),
//                    block+retry elsewhere (incompatibility), or fail
//                    (transient); attempts bound incompatibility retries
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/ledger"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/internal/runner"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var (
	ErrNotPending = errors.New("job is not pending")
	ErrClosed     = errors.New("scheduler closed")
)

// Config 排程器設定
type Config struct {
	MaxAttempts int           // 預設 3
	RetryDelay  time.Duration // 重試前等待時間，預設 0
	Runner      runner.Config
}

type item struct {
	id       types.JobID
	priority int
	seq      uint64
}

// Scheduler owns the pending queues and the runners it starts.
type Scheduler struct {
	mu         sync.Mutex
	groups     map[string][]item
	where      map[types.JobID]string
	seq        uint64
	processing bool
	rerun      bool
	closed     bool
	passes     int
	passHook   func()

	ledger *ledger.Ledger
	reg    *registry.Registry
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler to its ledger and registry. The registry's idle
// callback and the ledger's dequeue hook are pointed at the scheduler.
func New(l *ledger.Ledger, reg *registry.Registry, bus *events.Bus, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		groups: make(map[string][]item),
		where:  make(map[types.JobID]string),
		ledger: l,
		reg:    reg,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		ctx:    ctx,
		cancel: cancel,
	}
	reg.SetOnIdle(s.Kick)
	l.SetDequeue(s.Dequeue)
	return s
}

// Enqueue appends a pending job to its affinity group and runs a pass.
func (s *Scheduler) Enqueue(id types.JobID) error {
	job, err := s.ledger.Get(id)
	if err != nil {
		return err
	}
	if job.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, job.Status)
	}
	if job.Attempts == 0 {
		if _, err := s.ledger.Update(id, func(j *types.Job) { j.Attempts = 1 }); err != nil {
			return err
		}
	}

	group := s.reg.GroupFor(job.Fingerprint)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, queued := s.where[id]; queued {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is already queued", ErrNotPending, id)
	}
	s.seq++
	s.insertLocked(group, item{id: id, priority: job.Options.Priority, seq: s.seq})
	s.mu.Unlock()

	s.logger.Debug("Job queued", "jobID", id, "group", group)
	s.publish(events.JobQueued{JobID: id, Group: group})
	s.process()
	return nil
}

// insertLocked keeps each group ordered by priority, then arrival.
func (s *Scheduler) insertLocked(group string, it item) {
	items := s.groups[group]
	i := sort.Search(len(items), func(i int) bool {
		if items[i].priority != it.priority {
			return items[i].priority < it.priority
		}
		return items[i].seq > it.seq
	})
	items = append(items, item{})
	copy(items[i+1:], items[i:])
	items[i] = it
	s.groups[group] = items
	s.where[it.id] = group
}

// Dequeue removes a still-queued job. It reports whether anything was removed.
func (s *Scheduler) Dequeue(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id types.JobID) bool {
	group, ok := s.where[id]
	if !ok {
		return false
	}
	items := s.groups[group]
	for i, it := range items {
		if it.id == id {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(s.groups, group)
	} else {
		s.groups[group] = items
	}
	delete(s.where, id)
	return true
}

// Kick schedules a pass without blocking the caller.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		go s.process()
	}
}

// Len returns the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.where)
}

// Groups returns the queued job count per group.
func (s *Scheduler) Groups() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.groups))
	for g, items := range s.groups {
		out[g] = len(items)
	}
	return out
}

// Passes returns the number of completed processing passes.
func (s *Scheduler) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// process runs passes until no trigger arrived during the last one.
func (s *Scheduler) process() {
	s.mu.Lock()
	if s.processing {
		s.rerun = true
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	for {
		s.pass()
		s.mu.Lock()
		s.passes++
		if !s.rerun || s.closed {
			s.mu.Unlock()
			return
		}
		s.rerun = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) pass() {
	if s.passHook != nil {
		s.passHook()
	}
	for _, group := range s.groupOrder() {
		if !s.drainGroup(group) {
			return
		}
	}
}

// groupOrder lists groups by their head job: higher priority, then older.
func (s *Scheduler) groupOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.groups))
	for g := range s.groups {
		names = append(names, g)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := s.groups[names[i]][0], s.groups[names[j]][0]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})
	return names
}

func (s *Scheduler) head(group string) (types.JobID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false
	}
	items := s.groups[group]
	if len(items) == 0 {
		return "", false
	}
	return items[0].id, true
}

// drainGroup dispatches jobs from one group while workers are available.
// It returns false when the whole pass should stop.
func (s *Scheduler) drainGroup(group string) bool {
	for {
		id, ok := s.head(group)
		if !ok {
			return true
		}
		job, err := s.ledger.Get(id)
		if err != nil || job.Status.Terminal() {
			s.Dequeue(id)
			continue
		}

		req := request(job)
		var w *registry.Worker
		if group == types.GeneralGroup {
			w = s.reg.SelectIdleForGeneralQueue(s.ctx, req)
		} else {
			w = s.reg.SelectForJob(req)
		}

		if w == nil {
			status := types.StatusPending
			if !s.reg.HasEligible(req) {
				status = types.StatusNoWorker
			}
			if job.Status != status {
				_ = s.ledger.SetStatus(id, status)
				s.logger.Debug("No worker for job", "jobID", id, "group", group, "status", status)
			}
			return true
		}

		s.mu.Lock()
		removed := s.removeLocked(id)
		s.mu.Unlock()
		if !removed {
			// Cancelled while the worker was being selected.
			s.reg.Release(w.ID, id)
			continue
		}
		s.dispatch(job, w)

		if !s.reg.AnyIdle() {
			return false
		}
	}
}

func request(job types.Job) registry.Request {
	return registry.Request{
		JobID:       job.ID,
		Fingerprint: job.Fingerprint,
		Preferred:   job.Options.PreferredWorkers,
		Excluded:    job.Options.ExcludedWorkers,
		Priorities:  job.Options.WorkerPriorities,
	}
}

// dispatch starts a runner for job on the claimed worker w.
func (s *Scheduler) dispatch(job types.Job, w *registry.Worker) {
	id := job.ID
	r := runner.New(w.Conn, job.Graph, runner.Options{
		Outputs: job.Options.Outputs,
		Bypass:  job.Options.Bypass,
		Config:  s.cfg.Runner,
		Logger:  s.logger,
		Hooks: runner.Hooks{
			OnRunID: func(runID string) {
				if err := s.ledger.SetRunID(id, runID); err != nil {
					s.logger.Warn("Failed to record run id", "jobID", id, "error", err)
				}
				s.publish(events.JobStarted{JobID: id, WorkerID: w.ID, RunID: runID})
			},
			OnProgress: func(node string, value, max int) {
				s.publish(events.JobProgress{JobID: id, Node: node, Value: value, Max: max})
			},
			OnOutput: func(node, alias string, value any) {
				s.publish(events.JobOutput{JobID: id, Alias: alias, Node: node, Value: value})
			},
		},
	})

	// Attach before leaving pending: a cancel that misses the queue finds the
	// runner when the ledger marks the job canceled.
	s.ledger.Attach(id, r.Cancel)
	ok, err := s.ledger.Update(id, func(j *types.Job) {
		j.Status = types.StatusAssigned
		j.WorkerID = w.ID
		j.RunID = ""
	})
	if err != nil || !ok {
		s.ledger.Detach(id)
		s.reg.Release(w.ID, id)
		return
	}

	s.logger.Info("Job assigned", "jobID", id, "worker", w.ID, "attempt", job.Attempts)
	s.publish(events.JobAssigned{JobID: id, WorkerID: w.ID, Attempt: job.Attempts})

	start := time.Now()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := r.Run(s.ctx)
		s.onOutcome(id, w.ID, out, time.Since(start))
	}()
}

func (s *Scheduler) onOutcome(id types.JobID, workerID string, out runner.Outcome, took time.Duration) {
	s.ledger.Detach(id)

	if out.Err == nil {
		res := types.Result{Outputs: out.Outputs, Raw: out.Raw, Cached: out.Cached}
		if err := s.ledger.Complete(id, res); err != nil {
			s.logger.Error("Failed to complete job", "jobID", id, "error", err)
		}
		if s.hasStatus(id, types.StatusCompleted) {
			res.Status = types.StatusCompleted
			s.publish(events.JobCompleted{JobID: id, WorkerID: workerID, Result: res, Duration: took})
		}
		s.reg.Release(workerID, id)
		return
	}

	job, err := s.ledger.Get(id)
	if err != nil || job.Status.Terminal() {
		// Cancelled by the caller; the runner already interrupted the run.
		s.reg.Release(workerID, id)
		return
	}
	if s.isClosed() {
		_ = s.ledger.MarkCanceled(id)
		s.reg.Release(workerID, id)
		return
	}

	class := failure.Classify(out.Err)
	act := class.Action()
	s.logger.Warn("Job attempt failed", "jobID", id, "worker", workerID, "attempt", job.Attempts, "class", class, "error", out.Err)

	if act.WorkerOffline {
		s.reg.MarkOffline(workerID)
	} else {
		s.reg.Release(workerID, id)
	}
	if act.StripAffinity {
		s.reg.MarkIncompatible(workerID, job.Fingerprint)
	}

	switch {
	case !act.Retry:
		s.fail(id, workerID, class, out.Err)
		return
	case act.ConsumeAttempt && job.Attempts >= s.maxAttempts(job):
		s.fail(id, workerID, class, out.Err)
		return
	case act.RequireOther && !s.reg.HasEligible(request(job)):
		s.fail(id, workerID, class, failure.NoWorker(job.Fingerprint, out.Err))
		return
	}

	next := job.Attempts
	if act.ConsumeAttempt {
		next++
	}
	delay := job.Options.RetryDelay
	if delay <= 0 {
		delay = s.cfg.RetryDelay
	}
	ok, _ := s.ledger.Update(id, func(j *types.Job) {
		j.Status = types.StatusPending
		j.Attempts = next
		j.WorkerID = ""
		j.RunID = ""
		j.LastError = out.Err
	})
	if !ok {
		return
	}

	s.logger.Info("Retrying job", "jobID", id, "attempt", next, "class", class, "delay", delay)
	s.publish(events.JobRetrying{JobID: id, WorkerID: workerID, Attempt: next, Class: class, Err: out.Err, Delay: delay})

	if delay <= 0 {
		s.requeue(id)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
			s.requeue(id)
		case <-s.ctx.Done():
			_ = s.ledger.MarkCanceled(id)
		}
	}()
}

func (s *Scheduler) requeue(id types.JobID) {
	if err := s.Enqueue(id); err != nil && !errors.Is(err, ErrNotPending) {
		s.logger.Error("Failed to requeue job", "jobID", id, "error", err)
	}
}

func (s *Scheduler) fail(id types.JobID, workerID string, class failure.Class, err error) {
	if ferr := s.ledger.FailByID(id, err); ferr != nil {
		s.logger.Error("Failed to record job failure", "jobID", id, "error", ferr)
	}
	if !s.hasStatus(id, types.StatusFailed) {
		return
	}
	s.logger.Error("Job failed", "jobID", id, "class", class, "error", err)
	s.publish(events.JobFailed{JobID: id, WorkerID: workerID, Class: class, Err: err})
}

// hasStatus reports whether id ended up in status. Terminal states never
// change, so a match after our own resolution means it was ours.
func (s *Scheduler) hasStatus(id types.JobID, status types.JobStatus) bool {
	job, err := s.ledger.Get(id)
	return err == nil && job.Status == status
}

func (s *Scheduler) maxAttempts(job types.Job) int {
	if job.Options.MaxAttempts > 0 {
		return job.Options.MaxAttempts
	}
	return s.cfg.MaxAttempts
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// Close stops dispatching, interrupts running jobs and cancels queued ones.
// It waits for every runner to finish or ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queued := make([]types.JobID, 0, len(s.where))
	for id := range s.where {
		queued = append(queued, id)
	}
	s.groups = make(map[string][]item)
	s.where = make(map[types.JobID]string)
	s.mu.Unlock()

	for _, id := range queued {
		_ = s.ledger.MarkCanceled(id)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
