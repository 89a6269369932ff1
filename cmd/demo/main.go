package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/flowpool/internal/conn/memconn"
	"github.com/ChuLiYu/flowpool/internal/events"
	"github.com/ChuLiYu/flowpool/internal/pool"
	"github.com/ChuLiYu/flowpool/internal/queue"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// Demo: 8 simulated workers, two of them pinned to the upscale workflow,
// one flaky. Submits a burst of jobs and prints the pool as it drains.
func main() {
	jobCount := 200
	if len(os.Args) > 1 {
		if _, err := fmt.Sscanf(os.Args[1], "%d", &jobCount); err != nil || jobCount < 1 {
			fmt.Println("Usage: go run cmd/demo/main.go [job-count]")
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p := pool.New(pool.Config{
		Scheduler: queue.Config{MaxAttempts: 3, RetryDelay: 50 * time.Millisecond},
		Logger:    logger,
	})

	for i := 1; i <= 8; i++ {
		sim := memconn.SimConfig{MaxLatency: 40 * time.Millisecond, CacheRate: 0.1}
		opts := registry.WorkerOptions{Priority: i % 3}
		switch {
		case i <= 2:
			opts.AffinityGraphs = []graph.Graph{upscale(0)}
		case i == 8:
			sim.FailureRate = 0.3
		}
		if err := p.AddWorker(memconn.NewSim(fmt.Sprintf("sim-%d", i), sim), opts); err != nil {
			log.Fatalf("Failed to add worker: %v", err)
		}
	}
	fmt.Println("✓ Pool started with 8 simulated workers")

	var retries atomic.Int64
	events.On(p.Bus(), func(r events.JobRetrying) {
		retries.Add(1)
		fmt.Printf("↻ %s retrying (%s): %v\n", r.JobID, r.Class, r.Err)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for i := 0; i < jobCount; i++ {
		g := txt2img(i)
		if i%4 == 0 {
			g = upscale(i)
		}
		if _, err := p.AdmitJob(g, pool.AdmitOptions{Priority: i % 5}); err != nil {
			log.Fatalf("Failed to admit job: %v", err)
		}
	}
	fmt.Printf("✓ Enqueued %d jobs\n\n", jobCount)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			shutdown(p)
			return
		case <-ticker.C:
			stats := p.Stats()
			fmt.Printf("📊 Status: Pending=%d, Running=%d, Completed=%d, Failed=%d\n",
				stats[types.StatusPending]+stats[types.StatusNoWorker],
				stats[types.StatusAssigned]+stats[types.StatusRunning],
				stats[types.StatusCompleted], stats[types.StatusFailed])
			if stats[types.StatusCompleted]+stats[types.StatusFailed] == jobCount {
				fmt.Printf("\n✓ All %d jobs finished (%d retries)\n", jobCount, retries.Load())
				for _, w := range p.Workers() {
					fmt.Printf("  %-6s %-7s affinity=%d blocked=%d\n", w.ID, w.State, len(w.Affinity), len(w.Blocked))
				}
				shutdown(p)
				return
			}
		}
	}
}

func shutdown(p *pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		log.Printf("Close: %v", err)
	}
	fmt.Println("✓ Pool stopped")
}

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
