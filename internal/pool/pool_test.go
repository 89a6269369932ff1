package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowpool/internal/conn/memconn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

func newPool(t *testing.T) *Pool {
	t.Helper()
	p := New(Config{HealthInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func workflow(prompt string) graph.Graph {
	return graph.Graph{
		"4":  {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{"ckpt_name": "sdxl.safetensors"}},
		"6":  {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": prompt, "clip": []any{"4", 1}}},
		"3":  {ClassType: "KSampler", Inputs: map[string]any{"model": []any{"4", 0}, "positive": []any{"6", 0}}},
		"8":  {ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}}},
		"9":  {ClassType: "SaveImage", Inputs: map[string]any{"images": []any{"8", 0}}},
		"10": {ClassType: "PreviewImage", Inputs: map[string]any{"images": []any{"8", 0}}},
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunReturnsAliasedOutputs(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.AddWorker(memconn.NewSim("gpu0", memconn.SimConfig{Seed: 7}), registry.WorkerOptions{}))

	res, err := p.Run(waitCtx(t), workflow("a cat"), AdmitOptions{
		Outputs: map[string]string{"9": "final"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
	require.Contains(t, res.Outputs, "final")
	assert.Contains(t, res.Raw, "10")
	assert.NotContains(t, res.Raw, "9")
}

func TestLifecycleEventOrder(t *testing.T) {
	p := newPool(t)
	require.NoError(t, p.AddWorker(memconn.NewSim("gpu0", memconn.SimConfig{Seed: 7}), registry.WorkerOptions{}))

	var mu sync.Mutex
	var seen []events.Kind
	record := func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Kind())
		mu.Unlock()
	}
	for _, k := range []events.Kind{
		events.KindJobQueued, events.KindJobAssigned, events.KindJobStarted, events.KindJobCompleted,
	} {
		p.Subscribe(k, record)
	}

	id, err := p.AdmitJob(workflow("a dog"), AdmitOptions{})
	require.NoError(t, err)
	_, err = p.AwaitResult(waitCtx(t), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{
		events.KindJobQueued, events.KindJobAssigned, events.KindJobStarted, events.KindJobCompleted,
	}, seen)
}

func TestManyJobsAcrossWorkers(t *testing.T) {
	p := newPool(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.AddWorker(memconn.NewSim(id, memconn.SimConfig{MaxLatency: 5 * time.Millisecond, Seed: 3}), registry.WorkerOptions{}))
	}

	ids := make([]types.JobID, 12)
	for i := range ids {
		id, err := p.AdmitJob(workflow("job"), AdmitOptions{})
		require.NoError(t, err)
		ids[i] = id
	}
	used := make(map[string]bool)
	for _, id := range ids {
		res, err := p.AwaitResult(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, res.Status)
		job, _ := p.Job(id)
		used[job.WorkerID] = true
	}
	assert.Greater(t, len(used), 1)
	assert.Equal(t, 12, p.Stats()[types.StatusCompleted])
}

func TestCancelJob(t *testing.T) {
	p := newPool(t)
	id, err := p.AdmitJob(workflow("never runs"), AdmitOptions{})
	require.NoError(t, err)

	require.NoError(t, p.CancelJob(context.Background(), id))
	res, err := p.AwaitResult(waitCtx(t), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, res.Status)
	assert.Error(t, p.CancelJob(context.Background(), id))
}

func TestHealthFollowsWorkers(t *testing.T) {
	p := newPool(t)
	assert.False(t, p.Healthy())

	c := memconn.New("w")
	require.NoError(t, p.AddWorker(c, registry.WorkerOptions{}))
	assert.True(t, p.Healthy())
	require.Len(t, p.Workers(), 1)

	require.NoError(t, p.RemoveWorker("w"))
	assert.False(t, p.Healthy())
}

func TestClosedPoolRejectsWork(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	_, err := p.AdmitJob(workflow("late"), AdmitOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.AddWorker(memconn.New("w"), registry.WorkerOptions{}), ErrClosed)
}
