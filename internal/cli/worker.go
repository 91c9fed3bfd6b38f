package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recapio/recap/internal/clock"
	"github.com/recapio/recap/internal/llm"
	"github.com/recapio/recap/internal/pipeline"
	"github.com/recapio/recap/internal/worker"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the processing worker pool",
	Long:  "Claims queued jobs, runs the report pipeline, and finalizes outcomes. Safe to run alongside other workers; the database serializes claims.",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	timeout := a.cfg.LLM.Timeout
	if a.cfg.Worker.LLMTimeout > 0 {
		timeout = a.cfg.Worker.LLMTimeout
	}
	analyzer, err := llm.New(ctx, llm.Config{
		Provider: a.cfg.LLM.Provider,
		Model:    a.cfg.LLM.Model,
		APIKey:   a.cfg.LLM.APIKey,
		Timeout:  timeout,
		TestMode: a.cfg.LLM.TestMode,
	})
	if err != nil {
		return err
	}

	proc := pipeline.New(a.st, a.blobs, analyzer, a.sink, a.log)
	pool := worker.New(a.st, proc, worker.Config{
		WorkerID:     a.cfg.Worker.ID,
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Worker.PollInterval,
	}, clock.NewRand(), a.log)

	return pool.Run(ctx)
}
