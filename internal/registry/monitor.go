package registry

import (
	"context"
	"time"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// watch follows a worker's connectivity and queue broadcasts.
func (r *Registry) watch(id string, c conn.Connection) []events.Unsubscribe {
	return []events.Unsubscribe{
		events.On(c, func(events.Disconnected) { r.streamDown(id) }),
		events.On(c, func(events.ReconnectionFailed) { r.streamDown(id) }),
		events.On(c, func(events.Reconnected) { r.streamRestored(id) }),
		events.On(c, func(e events.Status) { r.observeQueue(id, e.QueueRemaining) }),
	}
}

// streamDown enters degraded mode. A busy worker keeps its job; the job's
// runner owns recovery and the release will park the worker offline.
func (r *Registry) streamDown(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.streamUp = false
	e.degraded = true
	var change *events.WorkerStateChanged
	if e.state == types.WorkerIdle {
		change = r.setStateLocked(id, e, types.WorkerOffline)
	}
	r.mu.Unlock()

	r.logger.Warn("Worker stream down, entering degraded mode", "worker", id)
	r.publish(change)
	r.wakeMonitor()
}

// streamRestored leaves degraded mode immediately.
func (r *Registry) streamRestored(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.streamUp = true
	e.degraded = false
	var change *events.WorkerStateChanged
	if e.state == types.WorkerOffline {
		change = r.setStateLocked(id, e, types.WorkerIdle)
	}
	r.mu.Unlock()

	r.logger.Info("Worker stream restored", "worker", id)
	r.publish(change)
	if change != nil {
		r.idle()
	}
}

// observeQueue applies a status broadcast to a worker no job of ours holds:
// work queued by someone else makes it busy, an empty queue frees it.
func (r *Registry) observeQueue(id string, remaining int) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok || e.holder != "" || e.degraded {
		r.mu.Unlock()
		return
	}
	var change *events.WorkerStateChanged
	switch {
	case remaining > 0 && e.state == types.WorkerIdle:
		change = r.setStateLocked(id, e, types.WorkerBusy)
	case remaining == 0 && e.state == types.WorkerBusy:
		change = r.setStateLocked(id, e, types.WorkerIdle)
	}
	r.mu.Unlock()

	r.publish(change)
	if change != nil && change.To == types.WorkerIdle {
		r.idle()
	}
}

func (r *Registry) setExternalBusy(id string) {
	r.mu.Lock()
	e, ok := r.workers[id]
	var change *events.WorkerStateChanged
	if ok && e.state == types.WorkerIdle && e.holder == "" {
		change = r.setStateLocked(id, e, types.WorkerBusy)
	}
	r.mu.Unlock()
	r.publish(change)
}

func (r *Registry) wakeMonitor() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Monitor probes degraded workers. It sleeps while every worker is healthy
// and only polls while at least one is degraded.
type Monitor struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
}

// NewMonitor creates a monitor polling degraded workers every interval.
func NewMonitor(reg *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{reg: reg, interval: interval, timeout: interval}
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.reg.logger.Info("Health monitor started", "interval", m.interval)
	for {
		if len(m.reg.degraded()) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.reg.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
		m.probeAll(ctx)
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, id := range m.reg.degraded() {
		m.probe(ctx, id)
	}
}

// probe fetches one degraded worker's queue. Success with a live stream
// ends degraded mode; success with a dead stream keeps waiting for the
// reconnect.
func (m *Monitor) probe(ctx context.Context, id string) {
	c, ok := m.reg.Conn(id)
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snap, err := c.QueueSnapshot(pctx)
	if err != nil {
		level := "application"
		if failure.IsConnectionError(err) {
			level = "connection"
		}
		m.reg.logger.Debug("Degraded worker probe failed", "worker", id, "kind", level, "error", err)
		return
	}

	m.reg.mu.Lock()
	e, ok := m.reg.workers[id]
	healthy := ok && e.streamUp && e.holder == ""
	m.reg.mu.Unlock()
	if !healthy {
		return
	}
	if snap.Occupied() {
		m.reg.logger.Debug("Degraded worker reachable but occupied", "worker", id)
		return
	}
	m.reg.logger.Info("Worker recovered", "worker", id)
	m.reg.MarkIdle(id)
}

func (r *Registry) degraded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.workers {
		if e.degraded || e.state == types.WorkerOffline {
			ids = append(ids, id)
		}
	}
	return ids
}
