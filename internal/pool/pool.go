// Package pool is the caller-facing entry point: it owns the ledger, the
// worker registry, the scheduler and the health monitor, and wires them
// together.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/ledger"
	"github.com/ChuLiYu/flowpool/internal/queue"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var ErrClosed = errors.New("pool closed")

// AdmitOptions are the per-job knobs a caller may set.
type AdmitOptions = types.JobOptions

// Config 池設定
type Config struct {
	Scheduler      queue.Config
	HealthInterval time.Duration // degraded worker 的檢查間隔
	Bus            *events.Bus   // 可選；nil 時自行建立
	Logger         *slog.Logger
}

// Pool dispatches workflow graphs across registered workers.
type Pool struct {
	bus     *events.Bus
	ledger  *ledger.Ledger
	reg     *registry.Registry
	sched   *queue.Scheduler
	monitor *registry.Monitor
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a pool and starts its health monitor.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	l := ledger.New(ledger.Options{Bus: bus, Logger: logger})
	reg := registry.New(registry.Options{Bus: bus, Logger: logger})
	p := &Pool{
		bus:     bus,
		ledger:  l,
		reg:     reg,
		sched:   queue.New(l, reg, bus, cfg.Scheduler, logger),
		monitor: registry.NewMonitor(reg, cfg.HealthInterval),
		logger:  logger.With("component", "pool"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor.Run(ctx)
	}()
	return p
}

// AddWorker registers a connected worker.
func (p *Pool) AddWorker(c conn.Connection, opts registry.WorkerOptions) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.reg.AddWorker(c, opts)
}

// RemoveWorker unregisters a worker. A job it is running finishes normally.
func (p *Pool) RemoveWorker(id string) error {
	return p.reg.RemoveWorker(id)
}

// UnblockWorker lifts an incompatibility block for one workflow shape.
func (p *Pool) UnblockWorker(id, fingerprint string) error {
	return p.reg.Unblock(id, fingerprint)
}

// AdmitJob records g as a new job and queues it. It returns as soon as the
// job is queued; use AwaitResult for the outcome.
func (p *Pool) AdmitJob(g graph.Graph, opts AdmitOptions) (types.JobID, error) {
	if p.isClosed() {
		return "", ErrClosed
	}
	id, err := p.ledger.Admit(g, opts)
	if err != nil {
		return "", err
	}
	if err := p.sched.Enqueue(id); err != nil {
		_ = p.ledger.FailByID(id, err)
		return "", err
	}
	return id, nil
}

// Run admits g and waits for its result.
func (p *Pool) Run(ctx context.Context, g graph.Graph, opts AdmitOptions) (types.Result, error) {
	id, err := p.AdmitJob(g, opts)
	if err != nil {
		return types.Result{}, err
	}
	return p.AwaitResult(ctx, id)
}

// AwaitResult blocks until the job is terminal or ctx is done.
func (p *Pool) AwaitResult(ctx context.Context, id types.JobID) (types.Result, error) {
	return p.ledger.AwaitResult(ctx, id)
}

// CancelJob cancels a queued or running job.
func (p *Pool) CancelJob(ctx context.Context, id types.JobID) error {
	return p.ledger.Cancel(ctx, id)
}

func (p *Pool) Job(id types.JobID) (types.Job, error) { return p.ledger.Get(id) }

// Jobs lists jobs, optionally filtered by status.
func (p *Pool) Jobs(statuses ...types.JobStatus) []types.Job { return p.ledger.List(statuses...) }

func (p *Pool) Stats() ledger.Stats { return p.ledger.Stats() }

func (p *Pool) Workers() []registry.Worker { return p.reg.Workers() }

// QueueDepth returns queued jobs per affinity group.
func (p *Pool) QueueDepth() map[string]int { return p.sched.Groups() }

// Subscribe registers h for lifecycle events of kind.
func (p *Pool) Subscribe(kind events.Kind, h events.Handler) events.Unsubscribe {
	return p.bus.Subscribe(kind, h)
}

// Bus exposes the pool's event bus for observers.
func (p *Pool) Bus() *events.Bus { return p.bus }

// Healthy reports whether at least one worker is not offline.
func (p *Pool) Healthy() bool {
	for _, w := range p.reg.Workers() {
		if w.State != types.WorkerOffline {
			return true
		}
	}
	return false
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close cancels queued and running jobs and stops the monitor.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("Shutting down pool")
	err := p.sched.Close(ctx)
	p.cancel()
	p.wg.Wait()
	return err
}
