// ============================================================================
// Flowpool System Test Suite
// ============================================================================
//
// Package: test/integration
// File: throughput_test.go
// Functionality: whole-pool behaviour under load with simulated workers
//
// Test Environment:
//   - 8 simulated workers, one graph at a time each
//   - simulated execution latency: 0-5ms
//   - two workers pinned to the upscale workflow
//
// TestSystemThroughput:
//   - submit 300 mixed jobs
//   - every job completes, none runs twice
//
// TestFlakyWorkersSettleEveryJob:
//   - 20% execution failures on every worker
//   - every job ends completed or failed, all workers end idle
//
// TestLateWorkersDrainBacklog:
//   - jobs admitted with no workers wait
//   - adding workers drains the backlog
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowpool/internal/conn/memconn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/pool"
	"github.com/ChuLiYu/flowpool/internal/queue"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

func txt2img(seed int) graph.Graph {
	return graph.Graph{
		"1": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sd15.safetensors"}},
		"2": {ClassType: "KSampler", Inputs: map[string]any{"model": []any{"1", 0}, "seed": seed}},
		"3": {ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"2", 0}}},
	}
}

func upscale(seed int) graph.Graph {
	return graph.Graph{
		"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": fmt.Sprintf("in-%d.png", seed)}},
		"2": {ClassType: "UpscaleModelLoader", Inputs: map[string]any{"model_name": "4x.pth"}},
		"3": {ClassType: "ImageUpscaleWithModel", Inputs: map[string]any{"upscale_model": []any{"2", 0}, "image": []any{"1", 0}}},
		"4": {ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"3", 0}}},
	}
}

func newPool(t testing.TB) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{Scheduler: queue.Config{MaxAttempts: 3}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func addWorkers(t testing.TB, p *pool.Pool, n int, sim memconn.SimConfig) {
	t.Helper()
	for i := 1; i <= n; i++ {
		opts := registry.WorkerOptions{}
		if i <= 2 {
			opts.AffinityGraphs = []graph.Graph{upscale(0)}
		}
		cfg := sim
		cfg.Seed = int64(i)
		require.NoError(t, p.AddWorker(memconn.NewSim(fmt.Sprintf("sim-%d", i), cfg), opts))
	}
}

func admitMixed(t testing.TB, p *pool.Pool, n int) []types.JobID {
	t.Helper()
	ids := make([]types.JobID, 0, n)
	for i := 0; i < n; i++ {
		g := txt2img(i)
		if i%4 == 0 {
			g = upscale(i)
		}
		id, err := p.AdmitJob(g, pool.AdmitOptions{Priority: i % 5})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func awaitAll(t testing.TB, p *pool.Pool, ids []types.JobID, timeout time.Duration) []types.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	results := make([]types.Result, len(ids))
	for i, id := range ids {
		res, err := p.AwaitResult(ctx, id)
		require.NoError(t, err, "job %s", id)
		results[i] = res
	}
	return results
}

func TestSystemThroughput(t *testing.T) {
	p := newPool(t)
	addWorkers(t, p, 8, memconn.SimConfig{MaxLatency: 5 * time.Millisecond})

	var mu sync.Mutex
	assigned := make(map[types.JobID]int)
	events.On(p.Bus(), func(e events.JobAssigned) {
		mu.Lock()
		assigned[e.JobID]++
		mu.Unlock()
	})

	const totalJobs = 300
	start := time.Now()
	ids := admitMixed(t, p, totalJobs)
	results := awaitAll(t, p, ids, 30*time.Second)
	elapsed := time.Since(start)

	for i, res := range results {
		assert.Equal(t, types.StatusCompleted, res.Status, "job %s", ids[i])
	}
	mu.Lock()
	for _, id := range ids {
		assert.Equal(t, 1, assigned[id], "job %s assigned more than once", id)
	}
	mu.Unlock()

	t.Logf("=== Throughput ===")
	t.Logf("Jobs: %d in %v (%.1f jobs/s)", totalJobs, elapsed, float64(totalJobs)/elapsed.Seconds())
}

func TestFlakyWorkersSettleEveryJob(t *testing.T) {
	p := newPool(t)
	addWorkers(t, p, 8, memconn.SimConfig{MaxLatency: 2 * time.Millisecond, FailureRate: 0.2})

	ids := admitMixed(t, p, 120)
	results := awaitAll(t, p, ids, 30*time.Second)

	var completed, failed int
	for _, res := range results {
		switch res.Status {
		case types.StatusCompleted:
			completed++
		case types.StatusFailed:
			failed++
		}
	}
	assert.Equal(t, len(ids), completed+failed)
	assert.Positive(t, completed)
	t.Logf("Completed: %d, Failed: %d", completed, failed)

	require.Eventually(t, func() bool {
		for _, w := range p.Workers() {
			if w.State != types.WorkerIdle {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "all workers should return to idle")
	assert.Empty(t, p.QueueDepth())
}

func TestLateWorkersDrainBacklog(t *testing.T) {
	p := newPool(t)
	ids := admitMixed(t, p, 40)

	for _, id := range ids {
		job, err := p.Job(id)
		require.NoError(t, err)
		assert.False(t, job.Status.Terminal(), "job %s should wait for a worker", id)
	}

	addWorkers(t, p, 4, memconn.SimConfig{MaxLatency: 2 * time.Millisecond})
	for _, res := range awaitAll(t, p, ids, 20*time.Second) {
		assert.Equal(t, types.StatusCompleted, res.Status)
	}
}

func BenchmarkThroughput(b *testing.B) {
	p := newPool(b)
	addWorkers(b, p, 8, memconn.SimConfig{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids := admitMixed(b, p, 100)
		awaitAll(b, p, ids, time.Minute)
	}
}
