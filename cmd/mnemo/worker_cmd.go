package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
)

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run extraction workers against the configured database",
		Long: "Run extraction workers without the HTTP API. Workers poll the job queue\n" +
			"and, when queue.redis_url is set, wake on jobs enqueued by other processes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("component", "worker")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if workers > 0 {
				cfg.Extraction.Workers = workers
			}
			return ignoreCanceled(rt.workerPool(cfg, logger).Run(ctx))
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent workers (default from extraction.workers)")
	return cmd
}
