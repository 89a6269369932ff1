package memconn

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/pkg/graph"
)

// SimConfig drives a simulated worker.
type SimConfig struct {
	MaxLatency  time.Duration // per graph, uniformly random in [0, MaxLatency)
	FailureRate float64       // probability in [0,1] of an execution_error
	CacheRate   float64       // probability in [0,1] a run is served entirely from cache
	Seed        int64
}

type simulator struct {
	c   *Conn
	cfg SimConfig

	mu      sync.Mutex
	rnd     *rand.Rand
	cancels map[string]context.CancelFunc
	serial  sync.Mutex // one graph executes at a time, like a real worker
}

// NewSim creates a connection that executes submitted graphs on its own.
func NewSim(id string, cfg SimConfig) *Conn {
	c := New(id)
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c.sim = &simulator{
		c:       c,
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(seed)),
		cancels: make(map[string]context.CancelFunc),
	}
	return c
}

func (s *simulator) start(runID string, g graph.Graph) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[runID] = cancel
	latency := time.Duration(0)
	if s.cfg.MaxLatency > 0 {
		latency = time.Duration(s.rnd.Int63n(int64(s.cfg.MaxLatency)))
	}
	fail := s.rnd.Float64() < s.cfg.FailureRate
	cached := !fail && s.rnd.Float64() < s.cfg.CacheRate
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.serial.Lock()
		defer s.serial.Unlock()
		s.run(ctx, runID, g, latency, fail, cached)
	}()
}

func (s *simulator) interrupt(runID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *simulator) run(ctx context.Context, runID string, g graph.Graph, latency time.Duration, fail, cached bool) {
	c := s.c
	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
		c.Finish(runID)
		c.Emit(events.Status{QueueRemaining: c.queueLen()})
	}()

	c.mu.Lock()
	c.queue.Pending = without(c.queue.Pending, runID)
	c.queue.Running = append(c.queue.Running, runID)
	c.mu.Unlock()

	ids := g.NodeIDs()
	sinks := sinkNodes(g)
	c.Emit(events.ExecutionStart{RunID: runID})

	if cached {
		outputs := make(map[string]any, len(sinks))
		for _, id := range sinks {
			outputs[id] = fakeOutput(runID, id)
		}
		c.SetHistory(runID, &conn.History{Completed: true, Outputs: outputs, StatusText: "success"})
		c.Emit(events.ExecutionCached{RunID: runID, Nodes: ids})
		c.Emit(events.ExecutionSuccess{RunID: runID})
		return
	}
	c.Emit(events.ExecutionCached{RunID: runID})

	step := latency / time.Duration(max(len(ids), 1))
	outputs := make(map[string]any, len(sinks))
	for i, id := range ids {
		c.Emit(events.Executing{RunID: runID, Node: id})
		select {
		case <-ctx.Done():
			c.SetHistory(runID, &conn.History{StatusText: "interrupted"})
			c.Emit(events.ExecutionInterrupted{RunID: runID, NodeID: id})
			return
		case <-time.After(step):
		}
		c.Emit(events.Progress{RunID: runID, Node: id, Value: i + 1, Max: len(ids)})

		if fail && i == len(ids)-1 {
			c.SetHistory(runID, &conn.History{StatusText: "error"})
			c.Emit(events.ExecutionError{
				RunID:            runID,
				NodeID:           id,
				NodeType:         g[id].ClassType,
				ExceptionType:    "RuntimeError",
				ExceptionMessage: "simulated failure",
			})
			return
		}
		if slices.Contains(sinks, id) {
			out := fakeOutput(runID, id)
			outputs[id] = out
			c.Emit(events.Executed{RunID: runID, Node: id, Output: out})
		}
	}

	c.SetHistory(runID, &conn.History{Completed: true, Outputs: outputs, StatusText: "success"})
	c.Emit(events.Executing{RunID: runID})
	c.Emit(events.ExecutionSuccess{RunID: runID})
}

func (c *Conn) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue.Running) + len(c.queue.Pending)
}

// sinkNodes returns the ids of nodes no other node links to.
func sinkNodes(g graph.Graph) []string {
	used := make(map[string]bool)
	for _, n := range g {
		for _, l := range n.Links() {
			used[l.NodeID] = true
		}
	}
	var out []string
	for _, id := range g.NodeIDs() {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

func fakeOutput(runID, node string) map[string]any {
	return map[string]any{
		"images": []any{
			map[string]any{"filename": fmt.Sprintf("%s_%s.png", runID, node), "type": "output"},
		},
	}
}
