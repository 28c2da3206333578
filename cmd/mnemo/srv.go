package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/config"
	"mnemo/internal/doctype"
	"mnemo/internal/metrics"
	"mnemo/internal/server"
	"mnemo/internal/worker"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "srv",
		Short: "Run the mnemo API server and extraction workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("component", "server")

			addr, err := server.ListenAddr(cfg.APIURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			gate, err := buildGate(cfg, logger.With("component", "safety"))
			if err != nil {
				return err
			}
			signer, err := buildSigner(cfg, logger)
			if err != nil {
				return err
			}
			m := metrics.New(rt.store)

			svc := server.NewAttachmentService(rt.store, rt.blobs, gate,
				doctype.NewResolver(rt.registry, logger.With("component", "resolver")),
				server.WithWaker(rt.waker),
				server.WithUploadObserver(m),
				server.WithServiceLogger(logger),
			)
			svc.ConfigurePolicy(server.AttachmentPolicy{
				MaxUploadBytes: cfg.Attachments.MaxUploadBytes,
				MaxAttempts:    cfg.Extraction.MaxAttempts,
				MaxRetries:     cfg.Attachments.MaxRetries,
				GCBatchSize:    cfg.Attachments.GCBatchSize,
			})

			srv := server.New(server.Config{
				Addr:               addr,
				PublicURL:          cfg.APIURL,
				DBPath:             cfg.DBPath,
				BlobRoot:           cfg.BlobRoot,
				MultipartMaxMemory: cfg.Attachments.MultipartMaxMemory,
				UploadTicketTTL:    cfg.Attachments.UploadTicketTTL.Duration,
				DownloadTicketTTL:  cfg.Attachments.DownloadTicketTTL.Duration,
			}, rt.store, svc, signer,
				server.WithRegistry(rt.registry),
				server.WithExtractors(rt.extractors),
				server.WithMetrics(m),
				server.WithLogger(logger),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(gctx) })
			if !noWorkers {
				pool := rt.workerPool(cfg, slog.Default().With("component", "worker"), worker.WithRecorder(m))
				g.Go(func() error { return pool.Run(gctx) })
			}
			return ignoreCanceled(g.Wait())
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without in-process extraction workers")
	return cmd
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
