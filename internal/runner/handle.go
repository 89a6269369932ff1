package runner

import (
	"sort"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/failure"
)

func (r *Runner) handle(m any) {
	if r.State() == StateResolved {
		return
	}
	switch m := m.(type) {
	case cancelMsg:
		r.handleCancel()
	case submitMsg:
		r.onSubmitted(m)
	case eventMsg:
		r.onEvent(m.e)
	case historyMsg:
		r.onHistory(m)
	case queueMsg:
		r.onQueue(m)
	case graceMsg:
		if r.reconciling {
			r.reconcileFetch()
		}
	case recoveryMsg:
		if r.recovering && m.gen == r.recoverGen {
			r.recoveryLost(nil)
		}
	}
}

func (r *Runner) reconcileFetch() {
	if r.reconcilePending {
		return
	}
	r.reconcilePending = true
	r.fetchHistory(historyReconcile, r.cfg.HistoryRetries)
}

// recoveryLost ends a recovery window that ran out. A reconcile fetch still
// in flight gets to decide the run first.
func (r *Runner) recoveryLost(err error) {
	if r.reconcilePending {
		r.recoveryExpired = true
		r.recoveryErr = err
		return
	}
	r.fail(failure.Disconnected(r.runID, err))
}

func (r *Runner) onSubmitted(m submitMsg) {
	if m.err != nil {
		status, body := requestDetail(m.err)
		r.fail(failure.EnqueueFailed(m.err, status, body))
		return
	}

	r.runID = m.runID
	r.runIDValue.Store(m.runID)
	r.logger.Debug("run accepted", "runID", m.runID)
	if hook := r.opts.Hooks.OnRunID; hook != nil {
		r.guard("OnRunID", func() { hook(m.runID) })
	}

	if r.recovering {
		r.resume = StateAwaitingCache
		r.setState(StateRecovering)
		r.fetchHistory(historyRecovery, 1)
	} else {
		r.setState(StateAwaitingCache)
		r.fetchHistory(historyCacheCheck, 1)
	}

	early := r.early
	r.early = nil
	for _, e := range early {
		r.onEvent(e)
		if r.State() == StateResolved {
			return
		}
	}
}

func (r *Runner) onEvent(e events.Event) {
	// Connectivity signals carry no run id.
	switch e := e.(type) {
	case events.Disconnected:
		r.onDisconnected()
		return
	case events.Reconnected:
		r.onReconnected()
		return
	case events.ReconnectionFailed:
		if r.recovering {
			r.recoveryLost(e.Err)
		}
		return
	}

	if r.runID == "" {
		r.early = append(r.early, e)
		return
	}

	switch e := e.(type) {
	case events.Executing:
		if e.RunID == r.runID && e.Node != "" && r.State() == StateAwaitingCache {
			r.setState(StateExecuting)
		}
	case events.ExecutionCached:
		if e.RunID == r.runID {
			r.onCached(e.Nodes)
		}
	case events.Executed:
		r.onExecuted(e)
	case events.ExecutionSuccess:
		if e.RunID == r.runID {
			r.onSuccessSignal()
		}
	case events.ExecutionError:
		if e.RunID == r.runID {
			r.fail(failure.CustomEvent(r.runID, e.NodeID, e.NodeType, e.ExceptionType, e.ExceptionMessage))
		}
	case events.ExecutionInterrupted:
		if e.RunID == r.runID {
			r.fail(failure.Interrupted(r.runID, false))
		}
	case events.Progress:
		if e.RunID == r.runID {
			if hook := r.opts.Hooks.OnProgress; hook != nil {
				r.guard("OnProgress", func() { hook(e.Node, e.Value, e.Max) })
			}
		}
	case events.PreviewMeta:
		if e.RunID == r.runID {
			r.preview(e.MimeType, e.Data)
		}
	case events.Preview:
		// Untagged previews belong to whatever the worker is executing.
		if r.State() == StateExecuting {
			r.preview(e.MimeType, e.Data)
		}
	case events.Status:
		switch r.State() {
		case StateAwaitingCache, StateExecuting:
			r.probeQueue()
		}
	}
}

func (r *Runner) preview(mime string, data []byte) {
	if hook := r.opts.Hooks.OnPreview; hook != nil {
		r.guard("OnPreview", func() { hook(mime, data) })
	}
}

// onCached decides the cache gate: a cached set covering every expected
// output short-circuits, anything less means the graph will execute.
func (r *Runner) onCached(nodes []string) {
	if r.State() != StateAwaitingCache {
		return
	}
	if len(r.expected) == 0 {
		r.setState(StateExecuting)
		return
	}
	cached := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		cached[n] = struct{}{}
	}
	for node := range r.expected {
		if _, ok := cached[node]; !ok {
			r.setState(StateExecuting)
			return
		}
	}
	r.setState(StateShortCircuit)
	r.fetchHistory(historyShortCircuit, r.cfg.HistoryRetries)
}

func (r *Runner) onExecuted(e events.Executed) {
	alias, expected := r.expected[e.Node]
	if e.RunID != r.runID {
		if expected {
			r.stray[e.Node] = e.Output
			r.logger.Debug("holding output with foreign run id", "runID", r.runID, "eventRunID", e.RunID, "node", e.Node)
		}
		return
	}

	if r.State() == StateAwaitingCache {
		r.setState(StateExecuting)
	}
	if !expected {
		r.raw[e.Node] = e.Output
		return
	}
	if _, open := r.remaining[e.Node]; !open {
		return
	}
	r.fill(e.Node, alias, e.Output)
	if len(r.remaining) == 0 {
		r.succeed(r.phase() == StateShortCircuit)
	}
}

func (r *Runner) fill(node, alias string, value any) {
	r.outputs[alias] = value
	delete(r.remaining, node)
	if hook := r.opts.Hooks.OnOutput; hook != nil {
		r.guard("OnOutput", func() { hook(node, alias, value) })
	}
}

func (r *Runner) onSuccessSignal() {
	if len(r.expected) == 0 {
		r.succeed(false)
		return
	}
	if len(r.remaining) == 0 {
		r.succeed(false)
		return
	}
	if r.reconciling {
		return
	}
	r.reconciling = true
	r.setState(StateReconciling)
	r.after(r.cfg.SuccessGrace, graceMsg{})
}

func (r *Runner) onQueue(m queueMsg) {
	r.probing = false
	if m.err != nil {
		r.logger.Debug("queue snapshot failed", "runID", r.runID, "error", m.err)
		return
	}
	if m.snap.Contains(r.runID) {
		return
	}
	switch r.State() {
	case StateAwaitingCache, StateExecuting:
		r.fetchHistory(historyMissing, 1)
	}
}

func (r *Runner) onDisconnected() {
	if r.recovering {
		return
	}
	r.recovering = true
	r.recoverGen++
	r.after(r.cfg.DisconnectGrace, recoveryMsg{gen: r.recoverGen})

	if r.runID == "" {
		r.logger.Warn("stream lost before run id", "worker", r.conn.ID())
		return
	}
	r.resume = r.State()
	r.setState(StateRecovering)
	r.logger.Warn("stream lost, recovering from history", "runID", r.runID)
	r.fetchHistory(historyRecovery, 1)
}

func (r *Runner) onReconnected() {
	if !r.recovering {
		return
	}
	// Stale timers are ignored by generation.
	r.recoverGen++
	if r.runID == "" {
		r.recovering = false
		return
	}
	r.fetchHistory(historyReconnect, 1)
}

// phase is the state the run is in, looking through a recovery detour.
func (r *Runner) phase() State {
	if s := r.State(); s != StateRecovering {
		return s
	}
	return r.resume
}

func (r *Runner) exitRecovery() {
	r.recovering = false
	r.recoveryExpired = false
	r.recoveryErr = nil
	if r.State() == StateRecovering {
		r.setState(r.resume)
	}
}

func (r *Runner) onHistory(m historyMsg) {
	if m.err != nil {
		r.logger.Debug("history fetch failed", "runID", r.runID, "purpose", m.purpose, "error", m.err)
	}
	h := m.h
	done := m.err == nil && h != nil && h.Completed

	switch m.purpose {
	case historyCacheCheck:
		if r.phase() != StateAwaitingCache || !done {
			return
		}
		r.shortCircuit(h)

	case historyShortCircuit:
		if r.phase() != StateShortCircuit {
			return
		}
		if !done {
			r.fail(failure.FailedCache(r.runID))
			return
		}
		r.shortCircuit(h)

	case historyReconcile:
		if !r.reconciling {
			return
		}
		r.reconcilePending = false
		switch {
		case done:
			r.reconcile(h)
		case r.recoveryExpired:
			r.fail(failure.Disconnected(r.runID, r.recoveryErr))
		case r.recovering:
			// The recovery path owns the run until the stream settles.
		default:
			r.reconcile(nil)
		}

	case historyMissing:
		if r.recovering || r.reconciling {
			return
		}
		if s := r.State(); s != StateAwaitingCache && s != StateExecuting {
			return
		}
		if !done {
			r.fail(failure.WentMissing(r.runID))
			return
		}
		if missing := r.backfill(h); len(missing) > 0 {
			r.fail(failure.WentMissing(r.runID))
			return
		}
		r.succeed(false)

	case historyRecovery:
		if !r.recovering || m.gen != r.recoverGen || !done {
			return
		}
		r.recovering = false
		r.reconcile(h)

	case historyReconnect:
		if !r.recovering || m.gen != r.recoverGen {
			return
		}
		if done {
			r.recovering = false
			r.reconcile(h)
			return
		}
		r.exitRecovery()
		if r.reconciling {
			r.reconcileFetch()
		}
	}
}

// shortCircuit resolves from a completed record without waiting for
// execution events.
func (r *Runner) shortCircuit(h *conn.History) {
	if !h.HasOutputs() {
		r.fail(failure.FailedCache(r.runID))
		return
	}
	if missing := r.backfill(h); len(missing) > 0 {
		r.fail(failure.FailedCache(r.runID))
		return
	}
	r.succeed(true)
}

// reconcile backfills outputs from h (which may be nil) and resolves.
func (r *Runner) reconcile(h *conn.History) {
	if len(r.expected) == 0 {
		if h == nil {
			r.fail(failure.ExecutionFailed(r.runID, nil))
			return
		}
		r.backfill(h)
		r.succeed(false)
		return
	}
	if missing := r.backfill(h); len(missing) > 0 {
		r.fail(failure.ExecutionFailed(r.runID, missing))
		return
	}
	r.succeed(false)
}

// backfill fills remaining outputs from the record, then from outputs held
// under a foreign run id if those alone complete the set. It returns the
// node ids still missing, sorted.
func (r *Runner) backfill(h *conn.History) []string {
	if h != nil {
		for node, value := range h.Outputs {
			if value == nil {
				continue
			}
			if _, open := r.remaining[node]; open {
				r.fill(node, r.expected[node], value)
				continue
			}
			if _, known := r.expected[node]; !known {
				if _, seen := r.raw[node]; !seen {
					r.raw[node] = value
				}
			}
		}
	}

	if len(r.remaining) > 0 && len(r.stray) > 0 {
		covered := true
		for node := range r.remaining {
			if _, ok := r.stray[node]; !ok {
				covered = false
				break
			}
		}
		if covered {
			r.logger.Warn("accepting outputs despite run id mismatch", "runID", r.runID)
			for node := range r.remaining {
				r.fill(node, r.expected[node], r.stray[node])
			}
		}
	}

	missing := make([]string, 0, len(r.remaining))
	for node := range r.remaining {
		missing = append(missing, node)
	}
	sort.Strings(missing)
	return missing
}
