package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"

	"mnemo/internal/blobstore"
	"mnemo/internal/config"
	"mnemo/internal/doctype"
	"mnemo/internal/extract"
	"mnemo/internal/safety"
	"mnemo/internal/store"
	"mnemo/internal/ticket"
	"mnemo/internal/worker"
)

// runtime holds the components shared by the server and the workers.
type runtime struct {
	store      *store.Store
	blobs      *blobstore.LocalCAS
	registry   *doctype.Registry
	extractors *extract.Set
	waker      worker.Waker
}

func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if cfg.BlobRoot == "" {
		return nil, fmt.Errorf("blob root is required")
	}

	logger.Info("opening database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.NewLocalCAS(cfg.BlobRoot)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry, err := doctype.LoadRegistry(cfg.Extraction.DocumentTypesFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rt := &runtime{
		store:      st,
		blobs:      blobs,
		registry:   registry,
		extractors: buildExtractors(cfg),
	}

	if cfg.Queue.RedisURL != "" {
		waker, err := worker.NewRedisWaker(ctx, cfg.Queue.RedisURL, cfg.Queue.RedisChannel, logger.With("component", "waker"))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.waker = waker
	} else {
		rt.waker = worker.NewChanWaker()
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	_ = rt.waker.Close()
	return rt.store.Close()
}

func (rt *runtime) workerPool(cfg *config.Config, logger *slog.Logger, opts ...worker.Option) *worker.Pool {
	opts = append([]worker.Option{
		worker.WithWaker(rt.waker),
		worker.WithLogger(logger),
		worker.WithSearchNotifier(worker.LogSearchNotifier{Logger: logger}),
	}, opts...)
	return worker.NewPool(worker.Config{
		Workers:      cfg.Extraction.Workers,
		PollInterval: cfg.Extraction.PollInterval.Duration,
		Lease:        cfg.Extraction.LeaseTimeout.Duration,
		JobTimeout:   cfg.Extraction.JobTimeout.Duration,
		MaxPayload:   cfg.Attachments.MaxUploadBytes,
	}, rt.store, rt.store, rt.blobs, rt.extractors, opts...)
}

func buildExtractors(cfg *config.Config) *extract.Set {
	b := cfg.Backends
	vision := extract.NewOllamaVision(extract.BackendConfig{
		BaseURL:       b.OllamaURL,
		Model:         b.VisionModel,
		RatePerMinute: b.RequestsPerMinute,
	})
	whisper := extract.NewWhisperClient(extract.BackendConfig{
		BaseURL:       b.WhisperURL,
		Model:         b.WhisperModel,
		RatePerMinute: b.RequestsPerMinute,
	})
	runner := extract.ExecRunner{}
	maxBytes := cfg.Extraction.TextMaxBytes

	return &extract.Set{
		Text: &extract.TextExtractor{MaxBytes: maxBytes},
		PDF: &extract.PDFExtractor{
			Runner:        runner,
			Inspector:     extract.PDFCPUInspector{},
			PdftotextPath: b.PdftotextPath,
			MaxBytes:      maxBytes,
		},
		Vision: &extract.VisionExtractor{Client: vision},
		Audio:  &extract.AudioExtractor{Client: whisper},
		Video: &extract.VideoExtractor{
			Runner:     runner,
			FFmpegPath: b.FFmpegPath,
			Vision:     vision,
			Audio:      whisper,
			TempDir:    os.TempDir(),
		},
		Code:       &extract.CodeExtractor{MaxBytes: maxBytes},
		Structured: &extract.StructuredExtractor{MaxBytes: maxBytes},
	}
}

func buildGate(cfg *config.Config, logger *slog.Logger) (*safety.Gate, error) {
	policy, err := safety.ParseMismatchPolicy(cfg.Attachments.MismatchPolicy)
	if err != nil {
		return nil, err
	}
	return safety.New(safety.Options{
		ExtraBlockedExtensions: cfg.Attachments.BlockedExtensions,
		BlockExecutableContent: cfg.Attachments.BlockExecutableContent,
		MismatchPolicy:         policy,
		Logger:                 logger,
	}), nil
}

// buildSigner uses the configured ticket secret, or a random per-process
// secret that invalidates outstanding tickets on restart.
func buildSigner(cfg *config.Config, logger *slog.Logger) (*ticket.Signer, error) {
	secret := []byte(cfg.Attachments.TicketSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("no ticket_secret configured; using a random secret for this process")
	}
	return ticket.NewSigner(secret)
}
