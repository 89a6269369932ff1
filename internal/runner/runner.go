// ============================================================================
// Flowpool Job Runner
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Purpose: Drive one submitted graph through its lifecycle on one worker.
//
// State machine:
//
//   Created ─► Submitting ─► AwaitingCache ─┬─► ShortCircuit ─┐
//                                           └─► Executing ────┼─► Resolved
//                                                 │   ▲       │
//                                                 ▼   │       │
//                              Reconciling ◄──────┘ Recovering┘
//
// Every path into Resolved goes through settle(), which runs on the loop
// goroutine only. Stream listeners never touch session state directly: they
// post to an unbounded mailbox that the loop drains, so a slow loop never
// blocks the connection's publisher.
//
// Listeners are attached before SubmitGraph is called. Events that arrive
// before the run id is known are buffered and replayed once it is, then
// filtered by run id.
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// State is a runner lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateSubmitting
	StateAwaitingCache
	StateShortCircuit
	StateExecuting
	StateReconciling
	StateRecovering
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingCache:
		return "awaiting_cache"
	case StateShortCircuit:
		return "short_circuit"
	case StateExecuting:
		return "executing"
	case StateReconciling:
		return "reconciling"
	case StateRecovering:
		return "recovering"
	case StateResolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds the runner's timers.
type Config struct {
	SuccessGrace         time.Duration // wait for late outputs after execution_success
	HistoryRetries       int           // history fetch attempts while reconciling
	HistoryRetryInterval time.Duration
	DisconnectGrace      time.Duration // recovery window after the stream drops
	InterruptTimeout     time.Duration // bound on the best-effort interrupt call
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SuccessGrace:         100 * time.Millisecond,
		HistoryRetries:       5,
		HistoryRetryInterval: 100 * time.Millisecond,
		DisconnectGrace:      5 * time.Second,
		InterruptTimeout:     5 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.SuccessGrace <= 0 {
		c.SuccessGrace = d.SuccessGrace
	}
	if c.HistoryRetries <= 0 {
		c.HistoryRetries = d.HistoryRetries
	}
	if c.HistoryRetryInterval <= 0 {
		c.HistoryRetryInterval = d.HistoryRetryInterval
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = d.DisconnectGrace
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = d.InterruptTimeout
	}
}

// Hooks observe a run. Each is optional and runs on the loop goroutine; a
// panicking hook is logged and otherwise ignored.
type Hooks struct {
	OnRunID    func(runID string)
	OnProgress func(node string, value, max int)
	OnOutput   func(node, alias string, value any)
	OnPreview  func(mimeType string, data []byte)
}

// Options configure one runner.
type Options struct {
	// Outputs maps expected output node ids to their aliases. An empty alias
	// means the node id. With no expected outputs the run completes on the
	// worker's success signal and every output lands in Outcome.Raw.
	Outputs map[string]string
	// Bypass lists nodes to splice out before submission.
	Bypass []string
	Config Config
	Hooks  Hooks
	Logger *slog.Logger
}

// Outcome is the single resolution of a run.
type Outcome struct {
	RunID   string
	Outputs map[string]any // alias -> value
	Raw     map[string]any // node id -> value for nodes outside the expected set
	Cached  bool
	Err     error
}

// Runner drives one attempt. Create with New, start with Run.
type Runner struct {
	conn   conn.Connection
	graph  graph.Graph
	opts   Options
	cfg    Config
	logger *slog.Logger

	// mailbox
	mu     sync.Mutex
	inbox  []any
	signal chan struct{}

	started    atomic.Bool
	state      atomic.Int32
	runIDValue atomic.Value
	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
	outcome    Outcome

	// loop-owned session state
	ctx         context.Context
	runID       string
	expected    map[string]string
	outputs     map[string]any
	raw         map[string]any
	remaining   map[string]struct{}
	stray       map[string]any
	early       []events.Event
	unsubs      []events.Unsubscribe
	timers      []*time.Timer
	resume      State
	recoverGen  int
	recovering  bool
	probing     bool
	reconciling bool

	reconcilePending bool  // a reconcile history fetch is in flight
	recoveryExpired  bool  // recovery ran out while reconcilePending
	recoveryErr      error // cause reported with recoveryExpired
}

// New prepares a runner for g on c. Nothing happens until Run.
func New(c conn.Connection, g graph.Graph, opts Options) *Runner {
	cfg := opts.Config
	cfg.fill()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		conn:     c,
		graph:    g,
		opts:     opts,
		cfg:      cfg,
		logger:   logger.With("component", "runner", "worker", c.ID()),
		signal:   make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		outputs:  make(map[string]any),
		raw:      make(map[string]any),
		stray:    make(map[string]any),
	}
	r.expected = make(map[string]string, len(opts.Outputs))
	r.remaining = make(map[string]struct{}, len(opts.Outputs))
	for node, alias := range opts.Outputs {
		if alias == "" {
			alias = node
		}
		r.expected[node] = alias
		r.remaining[node] = struct{}{}
	}
	r.state.Store(int32(StateCreated))
	r.runIDValue.Store("")
	return r
}

// State reports the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// RunID returns the worker-assigned run id, or "" before submission succeeds.
func (r *Runner) RunID() string { return r.runIDValue.Load().(string) }

// Done is closed once the run has resolved and torn down.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Cancel asks the run to stop. Only the first call has any effect. The
// request is ordered after every event already delivered to the runner.
func (r *Runner) Cancel() {
	first := false
	r.cancelOnce.Do(func() {
		first = true
		close(r.cancelCh)
		r.post(cancelMsg{})
	})
	if !first {
		r.logger.Debug("cancel already requested", "runID", r.RunID())
	}
}

// Run executes the attempt and blocks until it resolves. Cancelling ctx has
// the same effect as Cancel. Calling Run again returns the same outcome.
func (r *Runner) Run(ctx context.Context) Outcome {
	if !r.started.CompareAndSwap(false, true) {
		<-r.done
		return r.outcome
	}
	defer close(r.done)

	loopCtx, stop := context.WithCancel(context.Background())
	r.ctx = loopCtx
	defer stop()
	defer r.teardown()

	if err := r.prepare(ctx); err != nil {
		r.fail(err)
		return r.outcome
	}

	r.attach()
	r.setState(StateSubmitting)
	r.submit()

	for r.State() != StateResolved {
		select {
		case <-r.signal:
			for _, m := range r.drain() {
				r.handle(m)
				if r.State() == StateResolved {
					break
				}
			}
		case <-ctx.Done():
			r.handleCancel()
		}
	}
	return r.outcome
}

// prepare applies the bypass rewrite and checks the expected outputs exist.
func (r *Runner) prepare(ctx context.Context) error {
	if len(r.opts.Bypass) > 0 {
		var defs graph.Definitions
		if d, ok := r.conn.(conn.Definer); ok {
			var err error
			defs, err = d.NodeDefinitions(ctx)
			if err != nil {
				return failure.EnqueueFailed(fmt.Errorf("load node definitions: %w", err), 0, nil)
			}
		}
		g, err := graph.Bypass(r.graph, r.opts.Bypass, defs)
		if err != nil {
			return err
		}
		r.graph = g
	}
	for node := range r.expected {
		if !r.graph.Has(node) {
			return failure.MissingNode(node, "")
		}
	}
	return nil
}

func (r *Runner) post(m any) {
	r.mu.Lock()
	r.inbox = append(r.inbox, m)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Runner) drain() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.inbox
	r.inbox = nil
	return msgs
}

func (r *Runner) setState(s State) {
	prev := r.State()
	if prev == s {
		return
	}
	r.state.Store(int32(s))
	r.logger.Debug("runner state", "runID", r.runID, "from", prev, "to", s)
}

// attach subscribes to every stream kind the run reacts to.
func (r *Runner) attach() {
	for _, kind := range events.StreamKinds {
		r.unsubs = append(r.unsubs, r.conn.Subscribe(kind, func(e events.Event) {
			r.post(eventMsg{e})
		}))
	}
}

// teardown detaches listeners and stops timers. Safe to call repeatedly.
func (r *Runner) teardown() {
	for _, off := range r.unsubs {
		off()
	}
	r.unsubs = nil
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

func (r *Runner) after(d time.Duration, m any) {
	r.timers = append(r.timers, time.AfterFunc(d, func() { r.post(m) }))
}

// mailbox messages
type eventMsg struct{ e events.Event }

type submitMsg struct {
	runID string
	err   error
}

type historyMsg struct {
	purpose historyPurpose
	gen     int
	h       *conn.History
	err     error
}

type queueMsg struct {
	snap conn.QueueSnapshot
	err  error
}

type graceMsg struct{}

type cancelMsg struct{}

type recoveryMsg struct{ gen int }

type historyPurpose int

const (
	historyCacheCheck historyPurpose = iota
	historyShortCircuit
	historyReconcile
	historyMissing
	historyRecovery
	historyReconnect
)

func (r *Runner) submit() {
	g := r.graph
	go func() {
		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()
		go func() {
			select {
			case <-r.cancelCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		runID, err := r.conn.SubmitGraph(ctx, g)
		if err == nil {
			select {
			case <-r.cancelCh:
				// Cancelled while submitting: the worker accepted it anyway.
				r.interrupt(runID)
			default:
			}
		}
		r.post(submitMsg{runID: runID, err: err})
	}()
}

// fetchHistory fetches the run's record off the loop, retrying up to
// attempts times until the record shows completion.
func (r *Runner) fetchHistory(purpose historyPurpose, attempts int) {
	runID, gen, ctx := r.runID, r.recoverGen, r.ctx
	interval := r.cfg.HistoryRetryInterval
	go func() {
		var (
			h   *conn.History
			err error
		)
		for i := 0; i < attempts; i++ {
			h, err = r.conn.FetchHistory(ctx, runID)
			if err == nil && h != nil && h.Completed {
				break
			}
			if i+1 < attempts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}
		r.post(historyMsg{purpose: purpose, gen: gen, h: h, err: err})
	}()
}

func (r *Runner) probeQueue() {
	if r.probing {
		return
	}
	r.probing = true
	ctx := r.ctx
	go func() {
		snap, err := r.conn.QueueSnapshot(ctx)
		r.post(queueMsg{snap: snap, err: err})
	}()
}

func (r *Runner) interrupt(runID string) {
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.InterruptTimeout)
	defer cancel()
	if err := r.conn.Interrupt(ctx, runID); err != nil {
		r.logger.Warn("interrupt failed", "runID", runID, "error", err)
	}
}

func (r *Runner) succeed(cached bool) {
	outputs := r.outputs
	raw := r.raw
	if len(r.expected) == 0 {
		outputs, raw = r.raw, nil
	}
	r.settle(Outcome{Outputs: outputs, Raw: raw, Cached: cached})
}

func (r *Runner) fail(err error) {
	r.settle(Outcome{Err: err})
}

// settle is the only way into StateResolved.
func (r *Runner) settle(o Outcome) {
	if r.State() == StateResolved {
		r.logger.Debug("ignoring late resolution", "runID", r.runID, "error", o.Err)
		return
	}
	o.RunID = r.runID
	r.outcome = o
	r.setState(StateResolved)
	if o.Err != nil {
		r.logger.Info("run failed", "runID", r.runID, "error", o.Err)
	} else {
		r.logger.Info("run completed", "runID", r.runID, "cached", o.Cached)
	}
}

func (r *Runner) handleCancel() {
	if r.State() == StateResolved {
		return
	}
	runID := r.runID
	r.fail(failure.Interrupted(runID, true))
	go r.interrupt(runID)
}

// guard runs a hook, containing panics.
func (r *Runner) guard(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook panicked", "hook", name, "runID", r.runID, "panic", p)
		}
	}()
	fn()
}

func requestDetail(err error) (int, map[string]any) {
	var rerr *conn.RequestError
	if errors.As(err, &rerr) {
		return rerr.Status, rerr.Body
	}
	return 0, nil
}
