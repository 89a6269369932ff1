package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/conn/memconn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/ledger"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// ========================================
// Helpers
// ========================================

type harness struct {
	bus   *events.Bus
	l     *ledger.Ledger
	reg   *registry.Registry
	sched *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := events.NewBus()
	h := &harness{bus: bus}
	h.l = ledger.New(ledger.Options{Bus: bus})
	h.reg = registry.New(registry.Options{Bus: bus})
	h.sched = New(h.l, h.reg, bus, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sched.Close(ctx)
	})
	return h
}

func txt2img(seed int) graph.Graph {
	return graph.Graph{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd15.safetensors"}},
		"2": {ClassType: "KSampler", Inputs: map[string]any{"model": []any{"1", 0}, "seed": seed}},
		"3": {ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"2", 0}}},
	}
}

func (h *harness) submit(t *testing.T, opts types.JobOptions) types.JobID {
	t.Helper()
	id, err := h.l.Admit(txt2img(len(h.l.List())), opts)
	require.NoError(t, err)
	require.NoError(t, h.sched.Enqueue(id))
	return id
}

func (h *harness) await(t *testing.T, id types.JobID) types.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.l.AwaitResult(ctx, id)
	require.NoError(t, err)
	return res
}

func (h *harness) status(t *testing.T, id types.JobID) types.JobStatus {
	t.Helper()
	job, err := h.l.Get(id)
	require.NoError(t, err)
	return job.Status
}

func fastSim(id string) *memconn.Conn {
	return memconn.NewSim(id, memconn.SimConfig{MaxLatency: 5 * time.Millisecond, Seed: 1})
}

func incompatibleSubmit(ctx context.Context, g graph.Graph) (string, error) {
	return "", &conn.RequestError{
		Op:     "submit",
		Status: 400,
		Body: map[string]any{"error": map[string]any{
			"type":    "missing_node_type",
			"message": "Node type not found: KSampler",
		}},
	}
}

// ========================================
// Dispatch
// ========================================

func TestDispatchCompletesJobs(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.reg.AddWorker(fastSim("w1"), registry.WorkerOptions{}))

	ids := []types.JobID{
		h.submit(t, types.JobOptions{}),
		h.submit(t, types.JobOptions{}),
		h.submit(t, types.JobOptions{}),
	}
	for _, id := range ids {
		res := h.await(t, id)
		assert.Equal(t, types.StatusCompleted, res.Status)
		assert.NotEmpty(t, res.Raw)
	}

	assert.Eventually(t, func() bool {
		w, _ := h.reg.Worker("w1")
		return w.State == types.WorkerIdle
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.sched.Len())
}

func TestEachJobAssignedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.reg.AddWorker(fastSim(fmt.Sprintf("w%d", i)), registry.WorkerOptions{}))
	}

	var mu sync.Mutex
	assigned := make(map[types.JobID]int)
	events.On(h.bus, func(e events.JobAssigned) {
		mu.Lock()
		assigned[e.JobID]++
		mu.Unlock()
	})

	const jobs = 20
	ids := make([]types.JobID, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		id, err := h.l.Admit(txt2img(i), types.JobOptions{})
		require.NoError(t, err)
		ids[i] = id
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sched.Enqueue(id))
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, types.StatusCompleted, h.await(t, id).Status)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, assigned, jobs)
	for id, n := range assigned {
		assert.Equal(t, 1, n, "job %s", id)
	}
}

func TestPassesNeverOverlap(t *testing.T) {
	h := newHarness(t, Config{})

	var active, peak atomic.Int32
	h.sched.passHook = func() {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	}

	const jobs = 10
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		id, err := h.l.Admit(txt2img(i), types.JobOptions{})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sched.Enqueue(id))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, jobs, h.sched.Len())
	for _, job := range h.l.List() {
		assert.Equal(t, types.StatusNoWorker, job.Status)
	}
}

func TestNoWorkerJobRunsWhenWorkerJoins(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.submit(t, types.JobOptions{})
	assert.Equal(t, types.StatusNoWorker, h.status(t, id))
	assert.Equal(t, map[string]int{types.GeneralGroup: 1}, h.sched.Groups())

	require.NoError(t, h.reg.AddWorker(fastSim("late"), registry.WorkerOptions{}))
	assert.Equal(t, types.StatusCompleted, h.await(t, id).Status)
}

func TestBusyWorkerLeavesJobPending(t *testing.T) {
	h := newHarness(t, Config{})
	hold := memconn.New("hold")
	require.NoError(t, h.reg.AddWorker(hold, registry.WorkerOptions{}))

	first := h.submit(t, types.JobOptions{})
	second := h.submit(t, types.JobOptions{})

	assert.Eventually(t, func() bool {
		return h.status(t, first) == types.StatusRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StatusPending, h.status(t, second))
	assert.Equal(t, 1, h.sched.Len())
}

func TestPriorityOrder(t *testing.T) {
	h := newHarness(t, Config{})

	var mu sync.Mutex
	var order []types.JobID
	events.On(h.bus, func(e events.JobAssigned) {
		mu.Lock()
		order = append(order, e.JobID)
		mu.Unlock()
	})

	low := h.submit(t, types.JobOptions{Priority: 1})
	high := h.submit(t, types.JobOptions{Priority: 10})
	mid := h.submit(t, types.JobOptions{Priority: 5})
	alsoHigh := h.submit(t, types.JobOptions{Priority: 10})

	require.NoError(t, h.reg.AddWorker(fastSim("only"), registry.WorkerOptions{}))
	for _, id := range []types.JobID{low, high, mid, alsoHigh} {
		h.await(t, id)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.JobID{high, alsoHigh, mid, low}, order)
}

func TestAffinityGroupUsesAffinityWorker(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.reg.AddWorker(fastSim("general"), registry.WorkerOptions{Priority: 100}))
	require.NoError(t, h.reg.AddWorker(fastSim("pinned"), registry.WorkerOptions{
		AffinityGraphs: []graph.Graph{txt2img(0)},
	}))

	id, err := h.l.Admit(txt2img(42), types.JobOptions{})
	require.NoError(t, err)
	job, _ := h.l.Get(id)
	require.NotEqual(t, types.GeneralGroup, h.reg.GroupFor(job.Fingerprint))

	require.NoError(t, h.sched.Enqueue(id))
	h.await(t, id)
	job, _ = h.l.Get(id)
	assert.Equal(t, "pinned", job.WorkerID)
}

func TestEnqueueRejectsNonPending(t *testing.T) {
	h := newHarness(t, Config{})
	id, err := h.l.Admit(txt2img(1), types.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, h.l.MarkCanceled(id))

	assert.ErrorIs(t, h.sched.Enqueue(id), ErrNotPending)
	assert.ErrorIs(t, h.sched.Enqueue("missing"), ledger.ErrJobNotFound)
}

// ========================================
// Failure routing
// ========================================

func TestTransientFailureIsFinal(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 5})
	require.NoError(t, h.reg.AddWorker(memconn.NewSim("flaky", memconn.SimConfig{FailureRate: 1, Seed: 1}), registry.WorkerOptions{}))

	var failed atomic.Int32
	events.On(h.bus, func(e events.JobFailed) {
		assert.Equal(t, failure.ClassTransient, e.Class)
		failed.Add(1)
	})

	id := h.submit(t, types.JobOptions{})
	res := h.await(t, id)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, failure.KindCustomEvent, failure.KindOf(res.Err))

	job, _ := h.l.Get(id)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int32(1), failed.Load())
}

func TestConnectionFailureMovesToAnotherWorker(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 1})
	down := memconn.New("down")
	down.OnSubmit(func(ctx context.Context, g graph.Graph) (string, error) {
		return "", errors.New("dial tcp: connection refused")
	})
	require.NoError(t, h.reg.AddWorker(down, registry.WorkerOptions{Priority: 10}))
	require.NoError(t, h.reg.AddWorker(fastSim("up"), registry.WorkerOptions{}))

	var retries atomic.Int32
	events.On(h.bus, func(e events.JobRetrying) {
		assert.Equal(t, failure.ClassConnection, e.Class)
		retries.Add(1)
	})

	id := h.submit(t, types.JobOptions{})
	assert.Equal(t, types.StatusCompleted, h.await(t, id).Status)

	job, _ := h.l.Get(id)
	assert.Equal(t, "up", job.WorkerID)
	assert.Equal(t, 1, job.Attempts, "connection retries do not consume attempts")
	assert.Equal(t, int32(1), retries.Load())

	w, _ := h.reg.Worker("down")
	assert.Equal(t, types.WorkerOffline, w.State)
}

func TestIncompatibilityRetriesAreBounded(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	var submits atomic.Int32
	for i := 0; i < 4; i++ {
		c := memconn.New(fmt.Sprintf("bad%d", i))
		c.OnSubmit(func(ctx context.Context, g graph.Graph) (string, error) {
			submits.Add(1)
			return incompatibleSubmit(ctx, g)
		})
		require.NoError(t, h.reg.AddWorker(c, registry.WorkerOptions{}))
	}

	id := h.submit(t, types.JobOptions{})
	res := h.await(t, id)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, failure.KindEnqueueFailed, failure.KindOf(res.Err))

	job, _ := h.l.Get(id)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int32(3), submits.Load())

	blocked := 0
	for _, w := range h.reg.Workers() {
		if len(w.Blocked) > 0 {
			blocked++
		}
	}
	assert.Equal(t, 3, blocked)
}

// A graph that cannot be rewritten fails once and leaves every worker usable.
func TestBrokenGraphDoesNotBlockWorkers(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	defs := graph.Definitions{
		"CheckpointLoaderSimple": {Output: []string{"MODEL", "CLIP", "VAE"}},
		"KSampler":               {Output: []string{"LATENT"}},
		"SaveImage":              {},
	}
	workers := make([]*memconn.Conn, 3)
	for i := range workers {
		workers[i] = fastSim(fmt.Sprintf("w%d", i))
		workers[i].SetDefinitions(defs)
		require.NoError(t, h.reg.AddWorker(workers[i], registry.WorkerOptions{}))
	}

	// Bypassing node 2 needs its model input, which links to a node the
	// graph does not have.
	broken := txt2img(1)
	broken["2"].Inputs["model"] = []any{"77", 0}
	id, err := h.l.Admit(broken, types.JobOptions{Bypass: []string{"2"}})
	require.NoError(t, err)
	require.NoError(t, h.sched.Enqueue(id))

	res := h.await(t, id)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, failure.ErrMissingNode)
	job, _ := h.l.Get(id)
	assert.Equal(t, 1, job.Attempts)

	for _, c := range workers {
		assert.Empty(t, c.Submitted(), "nothing reaches a worker")
		require.Eventually(t, func() bool {
			w, _ := h.reg.Worker(c.ID())
			return w.State == types.WorkerIdle && len(w.Blocked) == 0
		}, time.Second, 5*time.Millisecond)
	}

	next := h.submit(t, types.JobOptions{Outputs: map[string]string{"3": "image"}})
	assert.Equal(t, types.StatusCompleted, h.await(t, next).Status)
}

func TestIncompatibilityWithoutAlternativeFails(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	c := memconn.New("solo")
	c.OnSubmit(incompatibleSubmit)
	require.NoError(t, h.reg.AddWorker(c, registry.WorkerOptions{}))

	id := h.submit(t, types.JobOptions{})
	res := h.await(t, id)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, failure.KindNoWorker, failure.KindOf(res.Err))

	w, _ := h.reg.Worker("solo")
	assert.Equal(t, types.WorkerIdle, w.State)
	assert.NotEmpty(t, w.Blocked)
}

func TestRetryDelayIsApplied(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2, RetryDelay: 50 * time.Millisecond})
	var stamps []time.Time
	var mu sync.Mutex
	for i := 0; i < 2; i++ {
		c := memconn.New(fmt.Sprintf("bad%d", i))
		c.OnSubmit(func(ctx context.Context, g graph.Graph) (string, error) {
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
			return incompatibleSubmit(ctx, g)
		})
		require.NoError(t, h.reg.AddWorker(c, registry.WorkerOptions{}))
	}

	id := h.submit(t, types.JobOptions{})
	h.await(t, id)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 50*time.Millisecond)
}

// ========================================
// Cancellation and shutdown
// ========================================

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, Config{})
	id := h.submit(t, types.JobOptions{})
	require.Equal(t, 1, h.sched.Len())

	require.NoError(t, h.l.Cancel(context.Background(), id))
	assert.Zero(t, h.sched.Len())
	assert.Equal(t, types.StatusCanceled, h.await(t, id).Status)

	// a worker joining later must not pick it up
	c := memconn.New("late")
	require.NoError(t, h.reg.AddWorker(c, registry.WorkerOptions{}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Submitted())
}

func TestCancelRunningJobFreesWorker(t *testing.T) {
	h := newHarness(t, Config{})
	c := memconn.New("w")
	require.NoError(t, h.reg.AddWorker(c, registry.WorkerOptions{}))

	id := h.submit(t, types.JobOptions{})
	require.Eventually(t, func() bool {
		return h.status(t, id) == types.StatusRunning
	}, time.Second, 5*time.Millisecond)
	job, _ := h.l.Get(id)

	require.NoError(t, h.l.Cancel(context.Background(), id))
	assert.Equal(t, types.StatusCanceled, h.await(t, id).Status)

	assert.Eventually(t, func() bool {
		w, _ := h.reg.Worker("w")
		return w.State == types.WorkerIdle
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		got := c.Interrupts()
		return len(got) == 1 && got[0] == job.RunID
	}, time.Second, 5*time.Millisecond)
}

func TestCloseCancelsEverything(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.reg.AddWorker(memconn.New("w"), registry.WorkerOptions{}))

	running := h.submit(t, types.JobOptions{})
	queued := h.submit(t, types.JobOptions{})
	require.Eventually(t, func() bool {
		return h.status(t, running) == types.StatusRunning
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Close(ctx))

	assert.Equal(t, types.StatusCanceled, h.status(t, running))
	assert.Equal(t, types.StatusCanceled, h.status(t, queued))
	assert.ErrorIs(t, h.sched.Enqueue("anything"), ledger.ErrJobNotFound)
}
