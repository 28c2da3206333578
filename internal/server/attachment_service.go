package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mnemo/internal/blobstore"
	"mnemo/internal/doctype"
	"mnemo/internal/models"
	"mnemo/internal/safety"
	"mnemo/internal/store"
	"mnemo/internal/worker"
)

const (
	defaultBlobGCBatchSize             = 500
	defaultMaxUploadBytes              = 50 << 20
	defaultMaxRetries                  = 3
	defaultJobMaxAttempts              = 3
	fallbackAttachmentContentMediaType = "application/octet-stream"
)

// AttachmentServiceStore is the persistence the attachment service needs.
type AttachmentServiceStore interface {
	store.NoteStore
	store.AttachmentStore
	store.ProvenanceStore
	GetJob(ctx context.Context, id string) (*models.ExtractionJob, error)
	ListJobsByAttachment(ctx context.Context, attachmentID string) ([]models.ExtractionJob, error)
	JobPauseState(ctx context.Context) (models.JobPause, error)
	SetJobPaused(ctx context.Context, paused bool) (models.JobPause, error)
}

// UploadObserver records upload outcomes.
type UploadObserver interface {
	ObserveUpload(outcome string, size int64)
	BlobsReclaimed(n int)
}

// AttachmentPolicy holds the service's limits.
type AttachmentPolicy struct {
	MaxUploadBytes int64
	MaxAttempts    int
	// MaxRetries bounds manual retries. Zero disables them; negative takes
	// the default.
	MaxRetries  int
	GCBatchSize int
}

// AttachmentService orchestrates ingestion, retrieval, retry and blob GC.
type AttachmentService struct {
	store    AttachmentServiceStore
	blobs    blobstore.BlobStore
	gate     *safety.Gate
	resolver *doctype.Resolver
	waker    worker.Waker
	observer UploadObserver
	logger   *slog.Logger
	policy   AttachmentPolicy

	// blobMu keeps GC from reclaiming bytes between an ingest's Put and the
	// commit that references them.
	blobMu   sync.RWMutex
	gcMu     sync.Mutex
	flightMu sync.Mutex
	inflight map[string]int
}

// ServiceOption configures an AttachmentService.
type ServiceOption func(*AttachmentService)

func WithWaker(w worker.Waker) ServiceOption { return func(s *AttachmentService) { s.waker = w } }
func WithUploadObserver(o UploadObserver) ServiceOption {
	return func(s *AttachmentService) { s.observer = o }
}
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *AttachmentService) { s.logger = l }
}

// NewAttachmentService constructs an AttachmentService.
func NewAttachmentService(st AttachmentServiceStore, blobs blobstore.BlobStore, gate *safety.Gate, resolver *doctype.Resolver, opts ...ServiceOption) *AttachmentService {
	svc := &AttachmentService{
		store:    st,
		blobs:    blobs,
		gate:     gate,
		resolver: resolver,
		inflight: map[string]int{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.gate == nil {
		svc.gate = safety.New(safety.DefaultOptions())
	}
	svc.ConfigurePolicy(AttachmentPolicy{MaxRetries: -1})
	return svc
}

// ConfigurePolicy overrides limits. Zero fields take defaults, except
// MaxRetries where only a negative value does.
func (s *AttachmentService) ConfigurePolicy(p AttachmentPolicy) {
	if p.MaxUploadBytes <= 0 {
		p.MaxUploadBytes = defaultMaxUploadBytes
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultJobMaxAttempts
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.GCBatchSize <= 0 {
		p.GCBatchSize = defaultBlobGCBatchSize
	}
	s.policy = p
}

// Policy returns the effective limits.
func (s *AttachmentService) Policy() AttachmentPolicy {
	return s.policy
}

// UploadInput describes one upload request.
type UploadInput struct {
	NoteID         string
	Filename       string
	ContentType    string
	OverrideTypeID string
	// SizeHint is the announced payload size, or -1 when unknown.
	SizeHint int64
	// MaxBytes narrows the service limit for this upload when positive.
	MaxBytes int64
}

// AttachmentContent describes an attachment's stored bytes.
type AttachmentContent struct {
	Reader    io.ReadCloser
	SizeBytes int64
	MediaType string
	Filename  string
}

// BlobGCResult reports one GC run result.
type BlobGCResult struct {
	CandidateCount int
	DeletedCount   int
	FailedCount    int
	ReclaimedBytes int64
	DryRun         bool
}

func (s *AttachmentService) CreateNote(ctx context.Context, title string) (models.Note, error) {
	title = normalizeTitle(title)
	if title == "" {
		return models.Note{}, badRequestCode(fmt.Errorf("title is required"), ErrCodeMissingRequired)
	}
	id, err := store.GenerateNoteID()
	if err != nil {
		return models.Note{}, internalError(err)
	}
	note := &models.Note{ID: id, Title: title}
	if err := s.store.CreateNote(ctx, note); err != nil {
		return models.Note{}, err
	}
	return *note, nil
}

func (s *AttachmentService) GetNote(ctx context.Context, id string) (models.Note, error) {
	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return models.Note{}, err
	}
	if note == nil {
		return models.Note{}, fmt.Errorf("%s: %w", id, models.ErrNoteNotFound)
	}
	return *note, nil
}

// PrepareUpload runs every check that needs no payload bytes: filename
// sanitisation, the extension blocklist, the size hint and the note lookup.
// It returns the input with the sanitised filename.
func (s *AttachmentService) PrepareUpload(ctx context.Context, in UploadInput) (UploadInput, error) {
	in.NoteID = strings.TrimSpace(in.NoteID)
	if in.NoteID == "" {
		return in, badRequestCode(fmt.Errorf("note_id is required"), ErrCodeMissingRequired)
	}
	if strings.TrimSpace(in.Filename) == "" {
		return in, badRequestCode(fmt.Errorf("filename is required"), ErrCodeMissingRequired)
	}
	in.Filename = safety.SanitizeFilename(in.Filename)
	in.ContentType = models.NormalizeMediaType(in.ContentType)
	in.OverrideTypeID = strings.TrimSpace(in.OverrideTypeID)

	if err := s.gate.CheckFilename(in.Filename); err != nil {
		return in, err
	}
	if limit := s.maxBytes(in); in.SizeHint > limit {
		return in, fmt.Errorf("%d bytes exceeds %d: %w", in.SizeHint, limit, models.ErrPayloadTooLarge)
	}

	exists, err := s.store.NoteExists(ctx, in.NoteID)
	if err != nil {
		return in, err
	}
	if !exists {
		return in, fmt.Errorf("%s: %w", in.NoteID, models.ErrNoteNotFound)
	}
	return in, nil
}

// Ingest validates, stores and records one upload and enqueues its first
// extraction job. Nothing is persisted when any check fails.
func (s *AttachmentService) Ingest(ctx context.Context, in UploadInput, content io.Reader) (models.Attachment, error) {
	att, err := s.ingest(ctx, in, content)
	if s.observer != nil {
		s.observer.ObserveUpload(uploadOutcome(err), att.SizeBytes)
	}
	return att, err
}

func (s *AttachmentService) ingest(ctx context.Context, in UploadInput, content io.Reader) (models.Attachment, error) {
	var zero models.Attachment
	if content == nil {
		return zero, badRequestCode(fmt.Errorf("content is required"), ErrCodeMissingRequired)
	}
	in, err := s.PrepareUpload(ctx, in)
	if err != nil {
		return zero, err
	}

	limit := s.maxBytes(in)
	br := bufio.NewReaderSize(content, safety.SniffLen)
	head, err := br.Peek(safety.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return zero, fmt.Errorf("read upload: %w", err)
	}
	decision, err := s.gate.Inspect(in.Filename, in.ContentType, head)
	if err != nil {
		return zero, err
	}
	resolution := s.resolver.Resolve(in.Filename, decision.ContentType, in.OverrideTypeID)

	s.blobMu.RLock()
	defer s.blobMu.RUnlock()

	put, err := s.blobs.Put(ctx, &limitedReader{r: br, remaining: limit})
	if err != nil {
		return zero, err
	}
	s.enter(put.Digest.String())
	defer s.leave(put.Digest.String())

	attachmentID, err := store.GenerateAttachmentID()
	if err != nil {
		return zero, internalError(err)
	}
	blobID, err := store.GenerateBlobID()
	if err != nil {
		return zero, internalError(err)
	}
	jobID, err := store.GenerateJobID()
	if err != nil {
		return zero, internalError(err)
	}

	attachment := &models.Attachment{
		ID:                  attachmentID,
		NoteID:              in.NoteID,
		Filename:            in.Filename,
		DeclaredContentType: decision.Declared,
		ContentType:         decision.ContentType,
		ContentTypeSource:   decision.Source,
		SizeBytes:           put.SizeBytes,
		DocumentTypeID:      resolution.Type.ID,
		Strategy:            resolution.Strategy,
		Status:              models.AttachmentUploaded,
	}
	job := &models.ExtractionJob{
		ID:          jobID,
		Strategy:    resolution.Strategy,
		Status:      models.JobPending,
		MaxAttempts: s.policy.MaxAttempts,
	}
	blob := &models.Blob{
		ID:             blobID,
		Digest:         put.Digest.String(),
		SizeBytes:      put.SizeBytes,
		StorageBackend: s.blobs.Backend(),
		BlobKey:        put.BlobKey,
	}

	if _, err := s.store.CreateAttachmentWithJob(ctx, blob, attachment, job); err != nil {
		if put.Created {
			s.discardBytes(ctx, put)
		}
		return zero, err
	}

	s.logger.Info("attachment ingested",
		"attachment_id", attachment.ID,
		"note_id", attachment.NoteID,
		"blob_id", attachment.BlobID,
		"content_type", attachment.ContentType,
		"content_type_source", attachment.ContentTypeSource,
		"document_type", attachment.DocumentTypeID,
		"resolution", resolution.Method,
		"strategy", attachment.Strategy,
		"size_bytes", attachment.SizeBytes,
		"deduplicated", !put.Created,
	)
	s.wake(ctx)
	return *attachment, nil
}

// discardBytes removes freshly written bytes after a failed commit unless
// another ingest or a committed blob row still needs them.
func (s *AttachmentService) discardBytes(ctx context.Context, put blobstore.PutResult) {
	key := put.Digest.String()
	s.flightMu.Lock()
	shared := s.inflight[key] > 1
	s.flightMu.Unlock()
	if shared {
		return
	}
	referenced, err := s.store.BlobDigestReferenced(ctx, key)
	if err != nil || referenced {
		return
	}
	if err := s.blobs.Delete(ctx, put.BlobKey); err != nil {
		s.logger.Warn("discard uncommitted blob", "digest", key, "error", err)
	}
}

func (s *AttachmentService) enter(digest string) {
	s.flightMu.Lock()
	s.inflight[digest]++
	s.flightMu.Unlock()
}

func (s *AttachmentService) leave(digest string) {
	s.flightMu.Lock()
	if s.inflight[digest] <= 1 {
		delete(s.inflight, digest)
	} else {
		s.inflight[digest]--
	}
	s.flightMu.Unlock()
}

func (s *AttachmentService) maxBytes(in UploadInput) int64 {
	limit := s.policy.MaxUploadBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	return limit
}

func (s *AttachmentService) wake(ctx context.Context) {
	if s.waker != nil {
		s.waker.Wake(ctx)
	}
}

// GetAttachment returns one attachment with its most recent job.
func (s *AttachmentService) GetAttachment(ctx context.Context, id string) (models.Attachment, *models.ExtractionJob, error) {
	attachment, err := s.requireAttachment(ctx, id)
	if err != nil {
		return models.Attachment{}, nil, err
	}
	jobs, err := s.store.ListJobsByAttachment(ctx, id)
	if err != nil {
		return models.Attachment{}, nil, err
	}
	var latest *models.ExtractionJob
	if len(jobs) > 0 {
		latest = &jobs[len(jobs)-1]
	}
	return *attachment, latest, nil
}

func (s *AttachmentService) ListNoteAttachments(ctx context.Context, noteID string) ([]models.Attachment, error) {
	exists, err := s.store.NoteExists(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", noteID, models.ErrNoteNotFound)
	}
	return s.store.ListAttachmentsByNote(ctx, noteID)
}

// DeleteAttachment removes the record and releases its blob reference.
// Bytes of a blob left unreferenced are reclaimed later by GCBlobs.
func (s *AttachmentService) DeleteAttachment(ctx context.Context, id string) error {
	blob, err := s.store.DeleteAttachment(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info("attachment deleted", "attachment_id", id, "blob_id", blob.ID, "blob_refs", blob.ReferenceCount)
	return nil
}

// OpenContent opens an attachment's bytes for download.
func (s *AttachmentService) OpenContent(ctx context.Context, id string) (*AttachmentContent, error) {
	attachment, err := s.requireAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := s.store.GetBlob(ctx, attachment.BlobID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("%s: %w", attachment.BlobID, models.ErrBlobNotFound)
	}
	rc, err := s.blobs.Open(ctx, blob.BlobKey)
	if err != nil {
		return nil, err
	}

	mediaType := strings.TrimSpace(attachment.ContentType)
	if mediaType == "" {
		mediaType = fallbackAttachmentContentMediaType
	}
	return &AttachmentContent{Reader: rc, SizeBytes: blob.SizeBytes, MediaType: mediaType, Filename: attachment.Filename}, nil
}

// Retry enqueues a fresh job for a failed attachment.
func (s *AttachmentService) Retry(ctx context.Context, id string) (models.Attachment, models.ExtractionJob, error) {
	attachment, err := s.requireAttachment(ctx, id)
	if err != nil {
		return models.Attachment{}, models.ExtractionJob{}, err
	}
	if attachment.Status != models.AttachmentFailed {
		return models.Attachment{}, models.ExtractionJob{}, conflictCode(
			fmt.Errorf("attachment %s is %s, only failed attachments can be retried", id, attachment.Status),
			ErrCodeInvalidTransition,
		)
	}

	jobID, err := store.GenerateJobID()
	if err != nil {
		return models.Attachment{}, models.ExtractionJob{}, internalError(err)
	}
	job := &models.ExtractionJob{
		ID:          jobID,
		Strategy:    attachment.Strategy,
		Status:      models.JobPending,
		MaxAttempts: s.policy.MaxAttempts,
	}
	if err := s.store.RetryAttachment(ctx, id, job, 1+s.policy.MaxRetries); err != nil {
		return models.Attachment{}, models.ExtractionJob{}, err
	}
	s.wake(ctx)

	updated, err := s.requireAttachment(ctx, id)
	if err != nil {
		return models.Attachment{}, models.ExtractionJob{}, err
	}
	stored, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Attachment{}, models.ExtractionJob{}, err
	}
	if stored == nil {
		return models.Attachment{}, models.ExtractionJob{}, internalError(fmt.Errorf("job %s not found after retry", jobID))
	}
	s.logger.Info("attachment retry enqueued", "attachment_id", id, "job_id", jobID, "strategy", job.Strategy)
	return *updated, *stored, nil
}

func (s *AttachmentService) ListJobs(ctx context.Context, attachmentID string) ([]models.ExtractionJob, error) {
	if _, err := s.requireAttachment(ctx, attachmentID); err != nil {
		return nil, err
	}
	return s.store.ListJobsByAttachment(ctx, attachmentID)
}

func (s *AttachmentService) GetJob(ctx context.Context, id string) (models.ExtractionJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.ExtractionJob{}, err
	}
	if job == nil {
		return models.ExtractionJob{}, fmt.Errorf("%s: %w", id, models.ErrJobNotFound)
	}
	return *job, nil
}

// JobPauseState reports whether workers are claiming jobs.
func (s *AttachmentService) JobPauseState(ctx context.Context) (models.JobPause, error) {
	state, err := s.store.JobPauseState(ctx)
	if err != nil {
		return models.JobPause{}, storeFailure(err)
	}
	return state, nil
}

// SetJobsPaused flips the persisted pause switch. Resuming wakes idle
// workers so the backlog drains without waiting for the next poll.
func (s *AttachmentService) SetJobsPaused(ctx context.Context, paused bool) (models.JobPause, error) {
	state, err := s.store.SetJobPaused(ctx, paused)
	if err != nil {
		return models.JobPause{}, storeFailure(err)
	}
	s.logger.Info("job processing "+state.State(), "paused", paused)
	if !paused {
		s.wake(ctx)
	}
	return state, nil
}

// CaptureFacts returns the EXIF facts recorded for an attachment.
func (s *AttachmentService) CaptureFacts(ctx context.Context, attachmentID string) (models.CaptureFacts, error) {
	if _, err := s.requireAttachment(ctx, attachmentID); err != nil {
		return models.CaptureFacts{}, err
	}
	facts, err := s.store.GetCaptureFacts(ctx, attachmentID)
	if err != nil {
		return models.CaptureFacts{}, err
	}
	if facts == nil {
		return models.CaptureFacts{}, notFoundCode(fmt.Errorf("no capture facts for %s", attachmentID), ErrCodeCaptureNotFound)
	}
	return *facts, nil
}

// GCBlobs reclaims the bytes of blobs whose reference count is zero. Each
// row is removed first so a concurrent ingest cannot revive it.
func (s *AttachmentService) GCBlobs(ctx context.Context, batchSize int, apply bool) (BlobGCResult, error) {
	result := BlobGCResult{DryRun: !apply}
	if batchSize <= 0 {
		batchSize = s.policy.GCBatchSize
	}

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	if !apply {
		blobs, err := s.store.ListUnreferencedBlobs(ctx, 0)
		if err != nil {
			return result, err
		}
		result.CandidateCount = len(blobs)
		for _, blob := range blobs {
			result.ReclaimedBytes += blob.SizeBytes
		}
		return result, nil
	}

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := s.gcBatch(ctx, batchSize, &result)
		if err != nil {
			return result, err
		}
		if deleted == 0 {
			break
		}
	}
	if s.observer != nil {
		s.observer.BlobsReclaimed(result.DeletedCount)
	}
	s.logger.Info("blob gc complete",
		"candidates", result.CandidateCount,
		"deleted", result.DeletedCount,
		"failed", result.FailedCount,
		"reclaimed_bytes", result.ReclaimedBytes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (s *AttachmentService) gcBatch(ctx context.Context, batchSize int, result *BlobGCResult) (int, error) {
	s.blobMu.Lock()
	defer s.blobMu.Unlock()

	blobs, err := s.store.ListUnreferencedBlobs(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	result.CandidateCount += len(blobs)

	deleted := 0
	for _, blob := range blobs {
		removed, err := s.store.DeleteBlobIfUnreferenced(ctx, blob.ID)
		if err != nil {
			result.FailedCount++
			s.logger.Warn("gc blob row", "blob_id", blob.ID, "error", err)
			continue
		}
		if !removed {
			continue
		}
		deleted++
		if err := s.blobs.Delete(ctx, blob.BlobKey); err != nil {
			result.FailedCount++
			s.logger.Warn("gc blob bytes", "blob_id", blob.ID, "key", blob.BlobKey, "error", err)
			continue
		}
		result.DeletedCount++
		result.ReclaimedBytes += blob.SizeBytes
	}
	return deleted, nil
}

func (s *AttachmentService) requireAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	attachment, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if attachment == nil {
		return nil, fmt.Errorf("%s: %w", id, models.ErrAttachmentNotFound)
	}
	return attachment, nil
}

// limitedReader fails with ErrPayloadTooLarge as soon as more than
// remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, models.ErrPayloadTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, models.ErrPayloadTooLarge
	}
	return n, err
}

func uploadOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, models.ErrBlockedExtension):
		return "blocked_extension"
	case errors.Is(err, models.ErrBlockedContent):
		return "blocked_content"
	case errors.Is(err, models.ErrContentTypeMismatch):
		return "content_type_mismatch"
	case errors.Is(err, models.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, models.ErrNoteNotFound):
		return "note_not_found"
	default:
		return "error"
	}
}
