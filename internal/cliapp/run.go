package cliapp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/pipelinecore/internal/config"
	"github.com/me/pipelinecore/internal/history"
	"github.com/me/pipelinecore/internal/runmetrics"
	"github.com/me/pipelinecore/internal/scheduler"
	"github.com/me/pipelinecore/internal/statusserver"
	"github.com/me/pipelinecore/pkg/chunk"
	"github.com/me/pipelinecore/pkg/step"
	"github.com/me/pipelinecore/steps"
)

// orderedSink is the demo pipeline's terminal step: it consumes squared
// values in ascending sequence order and tallies how many it has seen.
// Returning no output is legal here since nothing is registered downstream
// of it.
type orderedSink struct {
	step.NopFinalizer
	count int
}

func (s *orderedSink) Ordering() step.Ordering { return step.Ordered }
func (s *orderedSink) FileIO() bool            { return false }

func (s *orderedSink) Process(ctx context.Context, _ chunk.Chunk) ([]step.Output, error) {
	s.count++
	return nil, nil
}

func newRunCmd() *cobra.Command {
	var configPath string
	var chunkCount int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo pipeline to completion",
		Long: `Runs a small built-in demo pipeline (source -> parallel squarer -> ordered
sink) through the scheduler, prints a per-step metrics summary, and exits
with a non-zero status if the run failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRunConfig()
			if configPath != "" {
				loaded, err := config.LoadRunConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runDemo(cmd.Context(), cfg, chunkCount)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML run configuration file")
	cmd.Flags().IntVar(&chunkCount, "chunks", 1000, "Number of chunks the demo source emits")

	return cmd
}

func runDemo(ctx context.Context, cfg config.RunConfig, chunkCount int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	metrics := runmetrics.NewCollector()

	sched := scheduler.New(logger, scheduler.Config{
		LiveChunkHighWater: cfg.LiveChunkHighWater,
	})

	source := steps.NewSource(1, chunkCount, func(i int) chunk.Chunk { return i })
	squarer := steps.NewMapper(2, func(c chunk.Chunk) chunk.Chunk {
		start := time.Now()
		v := c.(int)
		tally := metrics.Acquire(1)
		result := v * v
		metrics.Release(1, tally, time.Since(start), false)
		return result
	})
	if err := sched.AddStep(0, source); err != nil {
		return err
	}
	if err := sched.AddStep(1, squarer); err != nil {
		return err
	}
	if err := sched.AddStep(2, &orderedSink{}); err != nil {
		return err
	}

	stopStatus := serveStatus(cfg.StatusAddr, sched)
	defer stopStatus()

	startedAt := time.Now()
	ok := sched.Run(ctx, cfg.NThreads)
	endedAt := time.Now()

	snap := sched.Snapshot()
	summary := metrics.Reduce()
	runmetrics.PrintSummary(os.Stdout, summary)

	if cfg.HistoryDBPath != "" {
		if err := recordHistory(cfg, startedAt, endedAt, snap, ok); err != nil {
			logger.Warn("record history failed", "error", err)
		}
	}

	if !ok {
		return fmt.Errorf("run did not complete successfully")
	}
	return nil
}

func recordHistory(cfg config.RunConfig, startedAt, endedAt time.Time, snap scheduler.Snapshot, ok bool) error {
	store, err := history.Open(cfg.HistoryDBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := history.Record{
		RunID:           uuid.NewString(),
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		NThreads:        cfg.NThreads,
		ChunksProcessed: snap.ChunksProcessed,
		Success:         ok,
	}
	return store.RecordRun(context.Background(), rec)
}

// statusAdapter adapts a *scheduler.Scheduler to statusserver.StatusProvider
// without that package depending on the scheduler package.
type statusAdapter struct {
	sched *scheduler.Scheduler
}

func (a statusAdapter) Snapshot() statusserver.Status {
	s := a.sched.Snapshot()
	return statusserver.Status{
		Running:         s.Running,
		ChunksProcessed: s.ChunksProcessed,
		LiveChunks:      s.LiveChunks,
		Errored:         s.Errored,
	}
}

// serveStatus starts the optional read-only status HTTP server in the
// background, returning a shutdown func the caller should defer.
func serveStatus(addr string, sched *scheduler.Scheduler) (shutdown func()) {
	if addr == "" {
		return func() {}
	}
	srv := statusserver.New(statusAdapter{sched: sched}, logger)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}
}
