// ============================================================================
// Flowpool Worker Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Track workers, their liveness and their workflow affinity, and
//          hand out idle workers one job at a time.
//
// Worker states:
//
//   idle ──claim──► busy ──release──► idle
//     │               │
//     └──► offline ◄──┘   (connection failure, stream lost)
//
// Single assignment:
//   A worker is claimed (idle → busy, holder set) under the registry lock in
//   the same call that selects it. No two callers can receive the same idle
//   worker, whatever happens on the network afterwards.
//
// Affinity:
//   declared  - fingerprints from the worker's affinity graphs; empty means
//               the worker is universal and serves the general group
//   affinity  - declared fingerprints still linked (both directions indexed)
//   blocked   - fingerprints the worker rejected; survives for the process
//               lifetime unless Unblock is called
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var (
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrNotBlocked      = errors.New("worker is not blocked for that workflow")
)

// WorkerOptions describe a worker at registration.
type WorkerOptions struct {
	AffinityGraphs []graph.Graph
	Priority       int
}

// Worker is a point-in-time view of one worker.
type Worker struct {
	ID       string            `json:"id"`
	State    types.WorkerState `json:"state"`
	Priority int               `json:"priority"`
	Affinity []string          `json:"affinity,omitempty"`
	Blocked  []string          `json:"blocked,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
	JobID    types.JobID       `json:"job_id,omitempty"`

	Conn conn.Connection `json:"-"`
}

// Request is what selection needs to know about a job.
type Request struct {
	JobID       types.JobID
	Fingerprint string
	Preferred   []string
	Excluded    []string
	Priorities  map[string]int // per-job override of static priority
}

type entry struct {
	conn     conn.Connection
	seq      int
	state    types.WorkerState
	priority int
	declared map[string]struct{}
	affinity map[string]struct{}
	blocked  map[string]struct{}
	holder   types.JobID
	degraded bool // offline or stream lost; polled by the monitor
	streamUp bool
	unsubs   []events.Unsubscribe
}

func (e *entry) universal() bool { return len(e.declared) == 0 }

// eligible reports whether the worker may ever run jobs with fp, ignoring
// its current state.
func (e *entry) eligible(fp string, general bool) bool {
	if _, b := e.blocked[fp]; b {
		return false
	}
	if general {
		return e.universal()
	}
	_, ok := e.affinity[fp]
	return ok
}

// Registry is safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	workers       map[string]*entry
	seq           int
	byFingerprint map[string]map[string]struct{}
	declaredBy    map[string]map[string]struct{}

	bus    *events.Bus
	onIdle func()
	wake   chan struct{}
	logger *slog.Logger
}

// Options wire the registry into the pool.
type Options struct {
	// Bus receives worker lifecycle events. Optional.
	Bus *events.Bus
	// OnIdle is called, without the lock, whenever a worker may have become
	// available. Optional.
	OnIdle func()
	Logger *slog.Logger
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers:       make(map[string]*entry),
		byFingerprint: make(map[string]map[string]struct{}),
		declaredBy:    make(map[string]map[string]struct{}),
		bus:           opts.Bus,
		onIdle:        opts.OnIdle,
		wake:          make(chan struct{}, 1),
		logger:        logger.With("component", "registry"),
	}
}

// SetOnIdle replaces the idle callback.
func (r *Registry) SetOnIdle(fn func()) {
	r.mu.Lock()
	r.onIdle = fn
	r.mu.Unlock()
}

// AddWorker registers c in the idle state.
func (r *Registry) AddWorker(c conn.Connection, opts WorkerOptions) error {
	fps := make([]string, 0, len(opts.AffinityGraphs))
	for i, g := range opts.AffinityGraphs {
		fp, err := g.Fingerprint()
		if err != nil {
			return fmt.Errorf("affinity graph %d: %w", i, err)
		}
		fps = append(fps, fp)
	}

	id := c.ID()
	r.mu.Lock()
	if _, ok := r.workers[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, id)
	}
	r.seq++
	e := &entry{
		conn:     c,
		seq:      r.seq,
		state:    types.WorkerIdle,
		priority: opts.Priority,
		declared: make(map[string]struct{}),
		affinity: make(map[string]struct{}),
		blocked:  make(map[string]struct{}),
		streamUp: true,
	}
	for _, fp := range fps {
		e.declared[fp] = struct{}{}
		addIndex(r.declaredBy, fp, id)
		r.link(id, e, fp)
	}
	r.workers[id] = e
	r.mu.Unlock()

	e.unsubs = r.watch(id, c)
	r.logger.Info("Worker registered", "worker", id, "priority", opts.Priority, "affinity", len(fps))
	r.idle()
	return nil
}

// RemoveWorker detaches a worker. A job it holds is not touched.
func (r *Registry) RemoveWorker(id string) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(r.workers, id)
	for fp := range e.affinity {
		removeIndex(r.byFingerprint, fp, id)
	}
	for fp := range e.declared {
		removeIndex(r.declaredBy, fp, id)
	}
	change := r.setStateLocked(id, e, types.WorkerOffline)
	r.mu.Unlock()

	for _, off := range e.unsubs {
		off()
	}
	r.logger.Info("Worker removed", "worker", id)
	r.publish(change)
	return nil
}

// Conn returns the connection of a registered worker.
func (r *Registry) Conn(id string) (conn.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// GroupFor returns the queue group for fp: fp itself when some worker
// declared it, otherwise the general group.
func (r *Registry) GroupFor(fp string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.declaredBy[fp]) > 0 {
		return fp
	}
	return types.GeneralGroup
}

// SelectForJob claims the best idle worker with affinity for the request's
// fingerprint, or returns nil when none qualifies.
func (r *Registry) SelectForJob(req Request) *Worker {
	r.mu.Lock()
	ids := r.candidatesLocked(req, false)
	if len(ids) == 0 {
		r.mu.Unlock()
		return nil
	}
	w, change := r.claimLocked(ids[0], req.JobID)
	r.mu.Unlock()

	r.publish(change)
	return w
}

// SelectIdleForGeneralQueue claims a universal worker after confirming with
// the worker itself that its queue is empty. Workers found occupied are
// demoted to busy. The worker calls happen without the lock held.
func (r *Registry) SelectIdleForGeneralQueue(ctx context.Context, req Request) *Worker {
	r.mu.Lock()
	ids := r.candidatesLocked(req, true)
	conns := make([]conn.Connection, len(ids))
	for i, id := range ids {
		conns[i] = r.workers[id].conn
	}
	r.mu.Unlock()

	for i, id := range ids {
		snap, err := conns[i].QueueSnapshot(ctx)
		if err != nil {
			r.logger.Warn("Live queue check failed", "worker", id, "error", err)
			continue
		}
		if snap.Occupied() {
			r.logger.Debug("Nominally idle worker is occupied", "worker", id, "running", len(snap.Running), "pending", len(snap.Pending))
			r.setExternalBusy(id)
			continue
		}

		r.mu.Lock()
		e, ok := r.workers[id]
		if !ok || e.state != types.WorkerIdle {
			r.mu.Unlock()
			continue
		}
		w, change := r.claimLocked(id, req.JobID)
		r.mu.Unlock()
		r.publish(change)
		return w
	}
	return nil
}

// candidatesLocked returns idle eligible worker ids, best first.
func (r *Registry) candidatesLocked(req Request, general bool) []string {
	var ids []string
	for id, e := range r.workers {
		if e.state != types.WorkerIdle || !e.eligible(req.Fingerprint, general) {
			continue
		}
		if slices.Contains(req.Excluded, id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		pa, pb := slices.Contains(req.Preferred, a), slices.Contains(req.Preferred, b)
		if pa != pb {
			return pa
		}
		wa, wb := r.priorityLocked(a, req.Priorities), r.priorityLocked(b, req.Priorities)
		if wa != wb {
			return wa > wb
		}
		return r.workers[a].seq < r.workers[b].seq
	})
	return ids
}

func (r *Registry) priorityLocked(id string, override map[string]int) int {
	if p, ok := override[id]; ok {
		return p
	}
	return r.workers[id].priority
}

func (r *Registry) claimLocked(id string, job types.JobID) (*Worker, *events.WorkerStateChanged) {
	e := r.workers[id]
	change := r.setStateLocked(id, e, types.WorkerBusy)
	e.holder = job
	w := r.viewLocked(id, e)
	return &w, change
}

// HasEligible reports whether any worker that is not offline could run the
// request, busy or not.
func (r *Registry) HasEligible(req Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	general := len(r.declaredBy[req.Fingerprint]) == 0
	for id, e := range r.workers {
		if e.state == types.WorkerOffline || slices.Contains(req.Excluded, id) {
			continue
		}
		if e.eligible(req.Fingerprint, general) {
			return true
		}
	}
	return false
}

// AnyIdle reports whether some worker is idle.
func (r *Registry) AnyIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.workers {
		if e.state == types.WorkerIdle {
			return true
		}
	}
	return false
}

// Release returns a worker held by job to idle. Offline workers stay
// offline; a release by a job that no longer holds the worker is ignored.
func (r *Registry) Release(id string, job types.JobID) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok || e.holder != job {
		r.mu.Unlock()
		return
	}
	e.holder = ""
	var change *events.WorkerStateChanged
	if e.state == types.WorkerBusy {
		if e.degraded {
			change = r.setStateLocked(id, e, types.WorkerOffline)
		} else {
			change = r.setStateLocked(id, e, types.WorkerIdle)
		}
	}
	r.mu.Unlock()

	r.publish(change)
	r.idle()
}

// MarkOffline takes a worker out of rotation until the monitor or a
// reconnect brings it back.
func (r *Registry) MarkOffline(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.holder = ""
	e.degraded = true
	change := r.setStateLocked(id, e, types.WorkerOffline)
	r.mu.Unlock()

	r.publish(change)
	r.wakeMonitor()
}

// MarkIdle returns a worker to rotation and clears degraded mode.
func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.holder = ""
	e.degraded = false
	change := r.setStateLocked(id, e, types.WorkerIdle)
	r.mu.Unlock()

	r.publish(change)
	r.idle()
}

// MarkIncompatible unlinks the worker from fp and blocks the pair.
func (r *Registry) MarkIncompatible(id, fp string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.affinity, fp)
	removeIndex(r.byFingerprint, fp, id)
	_, already := e.blocked[fp]
	e.blocked[fp] = struct{}{}
	r.mu.Unlock()

	if already {
		return
	}
	r.logger.Warn("Worker blocked for workflow", "worker", id, "fingerprint", fp)
	if r.bus != nil {
		r.bus.Publish(events.WorkerBlocked{WorkerID: id, Fingerprint: fp})
	}
}

// Unblock lifts a block set by MarkIncompatible and restores a declared
// affinity link.
func (r *Registry) Unblock(id, fp string) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if _, b := e.blocked[fp]; !b {
		r.mu.Unlock()
		return ErrNotBlocked
	}
	delete(e.blocked, fp)
	if _, d := e.declared[fp]; d {
		r.link(id, e, fp)
	}
	r.mu.Unlock()

	r.logger.Info("Worker unblocked for workflow", "worker", id, "fingerprint", fp)
	if r.bus != nil {
		r.bus.Publish(events.WorkerUnblocked{WorkerID: id, Fingerprint: fp})
	}
	r.idle()
	return nil
}

// Workers returns a snapshot of every worker, in registration order.
func (r *Registry) Workers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for id, e := range r.workers {
		out = append(out, r.viewLocked(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return r.workers[out[i].ID].seq < r.workers[out[j].ID].seq })
	return out
}

// Worker returns one worker's snapshot.
func (r *Registry) Worker(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return r.viewLocked(id, e), true
}

func (r *Registry) viewLocked(id string, e *entry) Worker {
	return Worker{
		ID:       id,
		State:    e.state,
		Priority: e.priority,
		Affinity: sortedKeys(e.affinity),
		Blocked:  sortedKeys(e.blocked),
		Degraded: e.degraded,
		JobID:    e.holder,
		Conn:     e.conn,
	}
}

func (r *Registry) link(id string, e *entry, fp string) {
	e.affinity[fp] = struct{}{}
	addIndex(r.byFingerprint, fp, id)
}

func (r *Registry) setStateLocked(id string, e *entry, to types.WorkerState) *events.WorkerStateChanged {
	if e.state == to {
		return nil
	}
	from := e.state
	e.state = to
	return &events.WorkerStateChanged{WorkerID: id, From: from, To: to}
}

func (r *Registry) publish(change *events.WorkerStateChanged) {
	if change == nil {
		return
	}
	r.logger.Debug("Worker state changed", "worker", change.WorkerID, "from", change.From, "to", change.To)
	if r.bus != nil {
		r.bus.Publish(*change)
	}
}

func (r *Registry) idle() {
	r.mu.Lock()
	fn := r.onIdle
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func addIndex(idx map[string]map[string]struct{}, fp, id string) {
	if idx[fp] == nil {
		idx[fp] = make(map[string]struct{})
	}
	idx[fp][id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, fp, id string) {
	delete(idx[fp], id)
	if len(idx[fp]) == 0 {
		delete(idx, fp)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
