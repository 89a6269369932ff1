// Package memconn is an in-memory conn.Connection. Tests script it event by
// event; the demo runs it in simulation mode where it behaves like a worker
// executing graphs with random latency and an error rate.
package memconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// SubmitFunc replaces the default submission behaviour.
type SubmitFunc func(ctx context.Context, g graph.Graph) (string, error)

// Conn is a scriptable in-memory worker connection.
type Conn struct {
	id  string
	bus *events.Bus

	mu         sync.Mutex
	seq        int
	submitFn   SubmitFunc
	submitted  []graph.Graph
	history    map[string]*conn.History
	historyErr error
	queue      conn.QueueSnapshot
	queueErr   error
	interrupts []string
	defs       graph.Definitions
	sim        *simulator
}

var _ conn.Connection = (*Conn)(nil)
var _ conn.Definer = (*Conn)(nil)

// New creates a connection named id.
func New(id string) *Conn {
	return &Conn{
		id:      id,
		bus:     events.NewBus(),
		history: make(map[string]*conn.History),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Subscribe(kind events.Kind, h events.Handler) events.Unsubscribe {
	return c.bus.Subscribe(kind, h)
}

// Listeners returns how many handlers are attached for kind.
func (c *Conn) Listeners(kind events.Kind) int { return c.bus.Count(kind) }

// Emit publishes e to subscribers as if the worker had sent it.
func (c *Conn) Emit(e events.Event) { c.bus.Publish(e) }

// OnSubmit overrides SubmitGraph.
func (c *Conn) OnSubmit(fn SubmitFunc) {
	c.mu.Lock()
	c.submitFn = fn
	c.mu.Unlock()
}

// SubmitGraph records g and returns a fresh run id, unless overridden.
func (c *Conn) SubmitGraph(ctx context.Context, g graph.Graph) (string, error) {
	c.mu.Lock()
	fn := c.submitFn
	c.submitted = append(c.submitted, g)
	sim := c.sim
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, g)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.seq++
	runID := fmt.Sprintf("%s-run-%d", c.id, c.seq)
	c.queue.Pending = append(c.queue.Pending, runID)
	c.mu.Unlock()

	if sim != nil {
		sim.start(runID, g)
	}
	return runID, nil
}

// Submitted returns every graph passed to SubmitGraph.
func (c *Conn) Submitted() []graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]graph.Graph(nil), c.submitted...)
}

// SetHistory installs the record returned for runID.
func (c *Conn) SetHistory(runID string, h *conn.History) {
	c.mu.Lock()
	c.history[runID] = h
	c.mu.Unlock()
}

// SetHistoryError makes FetchHistory fail.
func (c *Conn) SetHistoryError(err error) {
	c.mu.Lock()
	c.historyErr = err
	c.mu.Unlock()
}

func (c *Conn) FetchHistory(ctx context.Context, runID string) (*conn.History, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.historyErr != nil {
		return nil, c.historyErr
	}
	h, ok := c.history[runID]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

// SetQueue replaces the queue snapshot.
func (c *Conn) SetQueue(q conn.QueueSnapshot) {
	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()
}

// SetQueueError makes QueueSnapshot fail.
func (c *Conn) SetQueueError(err error) {
	c.mu.Lock()
	c.queueErr = err
	c.mu.Unlock()
}

// Finish removes runID from the queue snapshot.
func (c *Conn) Finish(runID string) {
	c.mu.Lock()
	c.queue.Running = without(c.queue.Running, runID)
	c.queue.Pending = without(c.queue.Pending, runID)
	c.mu.Unlock()
}

func (c *Conn) QueueSnapshot(ctx context.Context) (conn.QueueSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return conn.QueueSnapshot{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueErr != nil {
		return conn.QueueSnapshot{}, c.queueErr
	}
	return conn.QueueSnapshot{
		Running: append([]string(nil), c.queue.Running...),
		Pending: append([]string(nil), c.queue.Pending...),
	}, nil
}

func (c *Conn) Interrupt(ctx context.Context, runID string) error {
	c.mu.Lock()
	c.interrupts = append(c.interrupts, runID)
	sim := c.sim
	c.mu.Unlock()
	if sim != nil {
		sim.interrupt(runID)
	}
	return nil
}

// Interrupts returns every run id passed to Interrupt.
func (c *Conn) Interrupts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.interrupts...)
}

// SetDefinitions installs node definitions for the bypass rewrite.
func (c *Conn) SetDefinitions(defs graph.Definitions) {
	c.mu.Lock()
	c.defs = defs
	c.mu.Unlock()
}

func (c *Conn) NodeDefinitions(ctx context.Context) (graph.Definitions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defs == nil {
		return nil, fmt.Errorf("memconn %s: no node definitions", c.id)
	}
	return c.defs, nil
}

// Disconnect emits a stream disconnect.
func (c *Conn) Disconnect(err error) { c.Emit(events.Disconnected{Err: err}) }

// Reconnect emits a successful reconnection.
func (c *Conn) Reconnect() { c.Emit(events.Reconnected{}) }

// FailReconnect emits a failed reconnection.
func (c *Conn) FailReconnect(err error) { c.Emit(events.ReconnectionFailed{Err: err}) }

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
