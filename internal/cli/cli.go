// ============================================================================
// Flowpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a pool and talking to a running one
//
// Command Structure:
//   flowpool                       # Root command
//   ├── run                        # Start the pool with its HTTP and gRPC surfaces
//   │   └── --config, -c          # Config file (persistent)
//   ├── submit <graph.json>        # Submit a workflow graph to a running pool
//   │   ├── --server              # Pool HTTP address
//   │   ├── --wait                # Block until the job finishes
//   │   ├── --priority            # Queue priority
//   │   ├── --output node=alias   # Expected outputs (repeatable)
//   │   └── --bypass node         # Nodes to bypass before submission
//   ├── status                     # Workers and queue of a running pool
//   ├── fingerprint <graph.json>   # Print a graph's structural fingerprint
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load config and set up logging
//   2. Connect configured workers (HTTP+WebSocket or simulated)
//   3. Build the pool, metrics, archive
//   4. Serve HTTP API and gRPC health
//   5. On SIGINT/SIGTERM: stop servers, cancel jobs, close workers
//
// Examples:
//   flowpool run -c configs/flowpool.yaml
//   flowpool submit flows/txt2img.json --output 9=image --wait
//   flowpool status --server http://localhost:8080
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/flowpool/internal/archive"
	"github.com/ChuLiYu/flowpool/internal/config"
	"github.com/ChuLiYu/flowpool/internal/conn"
	"github.com/ChuLiYu/flowpool/internal/conn/memconn"
	"github.com/ChuLiYu/flowpool/internal/conn/wsconn"
	"github.com/ChuLiYu/flowpool/internal/httpapi"
	"github.com/ChuLiYu/flowpool/internal/metrics"
	"github.com/ChuLiYu/flowpool/internal/pool"
	"github.com/ChuLiYu/flowpool/internal/queue"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/internal/runner"
	"github.com/ChuLiYu/flowpool/internal/server"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowpool",
		Short: "Flowpool: workflow graph dispatch over a pool of workers",
		Long: `Flowpool queues workflow graphs and runs each on one compatible worker:
- affinity grouping by workflow shape
- live idle checks and health monitoring
- failure classification with bounded retries
- Prometheus metrics, HTTP API and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/flowpool.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildFingerprintCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pool with its HTTP API and gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, closeLog, err := config.SetupLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPool(ctx, cfg, logger)
		},
	}
}

// app is a running pool and everything attached to it.
type app struct {
	pool      *pool.Pool
	collector *metrics.Collector
	archive   *archive.Archive
	handler   http.Handler
	health    *server.Server
	closers   []func()
}

func (a *app) close(ctx context.Context) error {
	err := a.pool.Close(ctx)
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	return err
}

// buildApp wires a pool from cfg. Nothing listens yet.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{pool: pool.New(poolConfig(cfg.Pool, logger))}
	fail := func(err error) (*app, error) {
		_ = a.close(context.Background())
		return nil, err
	}

	for _, wc := range cfg.Workers {
		c, opts, err := connectWorker(ctx, wc, logger)
		if err != nil {
			return fail(fmt.Errorf("worker %s: %w", wc.ID, err))
		}
		if closer, ok := c.(io.Closer); ok {
			a.closers = append(a.closers, func() { _ = closer.Close() })
		}
		if err := a.pool.AddWorker(c, opts); err != nil {
			return fail(err)
		}
	}

	srv := httpapi.Server{Pool: a.pool, Logger: logger}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(nil)
		a.closers = append(a.closers, a.collector.Attach(a.pool.Bus(), metrics.Sources{
			JobStats:     func() map[types.JobStatus]int { return a.pool.Stats() },
			WorkerStates: a.workerStates,
		}))
		srv.Metrics = a.collector.Handler()
	}
	if cfg.Archive.Enabled {
		arc, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return fail(err)
		}
		a.archive = arc
		stopArchive := arc.Attach(a.pool.Bus(), a.pool.Job)
		a.closers = append(a.closers, func() {
			stopArchive()
			_ = arc.Close()
		})
		srv.Archive = arc
	}
	a.handler = srv.Router()
	a.health = server.NewServer(a.pool, a.pool.Bus())
	return a, nil
}

func (a *app) workerStates() map[types.WorkerState]int {
	out := make(map[types.WorkerState]int)
	for _, w := range a.pool.Workers() {
		out[w.State]++
	}
	return out
}

func runPool(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
		}
		go func() {
			if err := a.health.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	logger.Info("Pool started", "workers", len(cfg.Workers))
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case err = <-errCh:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.health.Stop()
	if cerr := a.close(shutdownCtx); cerr != nil && err == nil {
		err = cerr
	}
	logger.Info("Pool stopped")
	return err
}

func poolConfig(c config.PoolConfig, logger *slog.Logger) pool.Config {
	return pool.Config{
		Scheduler: queue.Config{
			MaxAttempts: c.MaxAttempts,
			RetryDelay:  c.RetryDelay,
			Runner: runner.Config{
				SuccessGrace:         c.SuccessGrace,
				HistoryRetries:       c.HistoryRetries,
				HistoryRetryInterval: c.HistoryRetryInterval,
				DisconnectGrace:      c.DisconnectGrace,
			},
		},
		HealthInterval: c.HealthPollInterval,
		Logger:         logger,
	}
}

// connectWorker opens the connection a worker entry describes and loads
// its affinity graphs.
func connectWorker(ctx context.Context, wc config.WorkerConfig, logger *slog.Logger) (conn.Connection, registry.WorkerOptions, error) {
	opts := registry.WorkerOptions{Priority: wc.Priority}
	for _, path := range wc.Affinity {
		g, err := readGraph(path)
		if err != nil {
			return nil, opts, fmt.Errorf("affinity: %w", err)
		}
		opts.AffinityGraphs = append(opts.AffinityGraphs, g)
	}

	if wc.Sim != nil {
		return memconn.NewSim(wc.ID, memconn.SimConfig{
			MaxLatency:  wc.Sim.MaxLatency,
			FailureRate: wc.Sim.FailureRate,
			CacheRate:   wc.Sim.CacheRate,
		}), opts, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	c, err := wsconn.Dial(dialCtx, wc.URL, wsconn.Options{ID: wc.ID, Logger: logger})
	if err != nil {
		return nil, opts, err
	}
	return c, opts, nil
}

func readGraph(path string) (graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := graph.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
