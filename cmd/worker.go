package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"jobmatch/src/core/worker"
	"jobmatch/src/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background embedding worker",
	Long:  `The worker command claims embedding and similarity tasks from the queue until it receives SIGINT or SIGTERM.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	id := workerID()
	cfg := workerConfig(id)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithName("worker")

	// Provider credentials are checked before any storage connection is opened.
	provider, err := newEmbeddingProvider(ctx)
	if err != nil {
		return fmt.Errorf("invalid embedding provider configuration: %w", err)
	}

	a, err := newApp(ctx, id)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := newEngine(ctx, a, provider, logger)
	if err != nil {
		return fmt.Errorf("failed to configure embedding engine: %w", err)
	}

	w, err := worker.New(cfg, worker.Deps{
		Queue:    a.queue,
		Registry: a.registry,
		Engine:   engine,
		Entities: a.entities,
		Matches:  a.matches,
		Alerts:   a.alerts,
	}, logger)
	if err != nil {
		return err
	}

	router, err := newIntakeRouter(a, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if router != nil {
		g.Go(func() error {
			return router.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Worker exited", "worker_id", id, "processed", w.Processed(), "failed", w.Failed())
	return nil
}
