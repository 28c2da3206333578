// Package worker runs extraction jobs claimed from the shared job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/blobstore"
	"mnemo/internal/extract"
	"mnemo/internal/models"
	"mnemo/internal/store"
)

// Default pool settings.
const (
	DefaultWorkers      = 2
	DefaultPollInterval = 2 * time.Second
	DefaultLease        = 5 * time.Minute
	DefaultJobTimeout   = 10 * time.Minute
	DefaultMaxPayload   = 512 << 20
)

// Recorder receives job lifecycle events.
type Recorder interface {
	JobStarted(strategy models.Strategy)
	JobFinished(strategy models.Strategy, status models.JobStatus, kind models.ErrorKind, duration time.Duration)
}

// Config holds pool settings. Zero values take the defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	JobTimeout   time.Duration
	// MaxPayload bounds the bytes read from a blob for one job.
	MaxPayload int64
	// ID prefixes worker ids; it defaults to host:pid.
	ID string
}

// Pool claims jobs and dispatches them to the extractor bound to their strategy.
type Pool struct {
	cfg        Config
	queue      store.JobQueue
	provenance store.ProvenanceStore
	blobs      blobstore.BlobStore
	extractors *extract.Set
	search     SearchNotifier
	waker      Waker
	recorder   Recorder
	logger     *slog.Logger
}

// Option configures optional pool collaborators.
type Option func(*Pool)

func WithSearchNotifier(n SearchNotifier) Option { return func(p *Pool) { p.search = n } }
func WithWaker(w Waker) Option { return func(p *Pool) { p.waker = w } }
func WithRecorder(r Recorder) Option { return func(p *Pool) { p.recorder = r } }
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// NewPool creates a worker pool.
func NewPool(cfg Config, queue store.JobQueue, provenance store.ProvenanceStore, blobs blobstore.BlobStore, extractors *extract.Set, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.ID == "" {
		host, _ := os.Hostname()
		cfg.ID = host + ":" + strconv.Itoa(os.Getpid())
	}
	p := &Pool{
		cfg:        cfg,
		queue:      queue,
		provenance: provenance,
		blobs:      blobs,
		extractors: extractors,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.search == nil {
		p.search = LogSearchNotifier{Logger: p.logger}
	}
	return p
}

// Run starts the workers and the lease sweeper and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("extraction workers starting", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval, "lease", p.cfg.Lease)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", p.cfg.ID, i)
		g.Go(func() error {
			p.loop(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.sweep(gctx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("extraction workers stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	var wake <-chan struct{}
	if p.waker != nil {
		wake = p.waker.C()
	}
	for {
		for {
			processed, err := p.ProcessNext(ctx, workerID)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("job processing error", "worker_id", workerID, "error", err)
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.FailExpiredJobs(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("expired job sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("failed jobs with expired leases", "count", n)
			}
		}
	}
}

// ProcessNext claims and runs one job. It reports whether a job was claimed.
// Nothing is claimed while job processing is paused.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	pause, err := p.queue.JobPauseState(ctx)
	if err != nil {
		return false, fmt.Errorf("read pause state: %w", err)
	}
	if pause.Paused {
		return false, nil
	}
	job, err := p.queue.ClaimNextJob(ctx, workerID, p.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.handle(ctx, workerID, job)
}

func (p *Pool) handle(ctx context.Context, workerID string, job *models.ExtractionJob) error {
	logger := p.logger.With("job_id", job.ID, "attachment_id", job.AttachmentID, "strategy", job.Strategy, "worker_id", workerID)
	logger.Info("job claimed", "attempt", job.AttemptCount, "max_attempts", job.MaxAttempts)

	live, err := p.queue.MarkAttachmentExtracting(ctx, job.AttachmentID)
	if err != nil {
		return fmt.Errorf("mark attachment %s: %w", job.AttachmentID, err)
	}
	if !live {
		logger.Info("attachment deleted, skipping job")
		return p.queue.SkipJob(ctx, job.ID, workerID, "attachment deleted")
	}
	att, err := p.queue.GetAttachment(ctx, job.AttachmentID)
	if err != nil {
		return err
	}
	if att == nil {
		logger.Info("attachment deleted, skipping job")
		return p.queue.SkipJob(ctx, job.ID, workerID, "attachment deleted")
	}

	p.started(job.Strategy)
	start := time.Now()
	res, runErr := p.run(ctx, workerID, job, att)
	elapsed := time.Since(start)

	if res.Capture != nil && p.provenance != nil {
		facts := *res.Capture
		facts.AttachmentID = att.ID
		if err := p.provenance.SubmitCaptureFacts(ctx, facts); err != nil {
			logger.Error("submit capture facts failed", "error", err)
		}
	}

	merged := MergeMetadata(att, job, res, runErr, elapsed)
	if runErr != nil {
		kind := models.ErrorKindOf(runErr)
		logger.Warn("job failed", "error_kind", kind, "error", runErr, "duration", elapsed)
		p.finished(job.Strategy, models.JobFailed, kind, elapsed)
		if err := p.queue.FailJob(ctx, job.ID, workerID, runErr, merged); err != nil {
			return p.finishError(logger, err)
		}
		return nil
	}

	if err := p.queue.CompleteJob(ctx, job.ID, workerID, res.Text, merged); err != nil {
		p.finished(job.Strategy, models.JobFailed, models.ErrorKindInternal, elapsed)
		return p.finishError(logger, err)
	}
	p.finished(job.Strategy, models.JobCompleted, models.ErrorKindNone, elapsed)
	logger.Info("job completed", "duration", elapsed)

	if done, err := p.queue.GetAttachment(ctx, att.ID); err == nil && done != nil && done.Status == models.AttachmentExtracted {
		p.search.AttachmentExtracted(ctx, done)
	}
	return nil
}

func (p *Pool) finishError(logger *slog.Logger, err error) error {
	if errors.Is(err, store.ErrLeaseLost) {
		logger.Warn("lease lost before job finished; another worker owns it now")
		return nil
	}
	return err
}

// run executes the extractor under the job timeout while renewing the lease.
func (p *Pool) run(ctx context.Context, workerID string, job *models.ExtractionJob, att *models.Attachment) (res extract.Result, err error) {
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	stop := p.keepLease(runCtx, workerID, job.ID)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("extractor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			res = extract.Result{}
			err = fmt.Errorf("extractor panic: %v: %w", r, models.ErrExtractionFailed)
		}
	}()

	ex, err := p.extractors.For(job.Strategy)
	if err != nil {
		return extract.Result{}, err
	}
	data, err := p.readBlob(runCtx, att.BlobID)
	if err != nil {
		return extract.Result{}, err
	}
	res, err = ex.Extract(runCtx, extract.Input{
		AttachmentID: att.ID,
		Filename:     att.Filename,
		ContentType:  att.ContentType,
		Data:         data,
	})
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("extraction exceeded %s: %w", p.cfg.JobTimeout, context.DeadlineExceeded)
	}
	return res, err
}

func (p *Pool) readBlob(ctx context.Context, blobID string) ([]byte, error) {
	blob, err := p.queue.GetBlob(ctx, blobID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("blob %s: %w", blobID, models.ErrBlobNotFound)
	}
	rc, err := p.blobs.Open(ctx, blob.BlobKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blobID, err)
	}
	if int64(len(data)) > p.cfg.MaxPayload {
		return nil, fmt.Errorf("blob %s exceeds %d bytes: %w", blobID, p.cfg.MaxPayload, models.ErrExtractionFailed)
	}
	return data, nil
}

// keepLease renews the job lease at a third of its length until stopped.
func (p *Pool) keepLease(ctx context.Context, workerID, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.RenewLease(ctx, jobID, workerID, p.cfg.Lease, 50); err != nil && ctx.Err() == nil {
					p.logger.Warn("lease renewal failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) started(s models.Strategy) {
	if p.recorder != nil {
		p.recorder.JobStarted(s)
	}
}

func (p *Pool) finished(s models.Strategy, status models.JobStatus, kind models.ErrorKind, d time.Duration) {
	if p.recorder != nil {
		p.recorder.JobFinished(s, status, kind, d)
	}
}
