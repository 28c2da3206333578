package store

import (
	"context"
	"time"

	"mnemo/internal/models"
)

// NoteStore is the read surface of the external note collaborator.
type NoteStore interface {
	CreateNote(ctx context.Context, note *models.Note) error
	GetNote(ctx context.Context, id string) (*models.Note, error)
	NoteExists(ctx context.Context, id string) (bool, error)
}

// AttachmentStore is the metadata persistence surface for attachments and blobs.
type AttachmentStore interface {
	CreateAttachmentWithJob(ctx context.Context, blob *models.Blob, attachment *models.Attachment, job *models.ExtractionJob) (*models.Blob, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	ListAttachmentsByNote(ctx context.Context, noteID string) ([]models.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) (*models.Blob, error)
	RetryAttachment(ctx context.Context, attachmentID string, job *models.ExtractionJob, maxJobs int) error

	GetBlob(ctx context.Context, id string) (*models.Blob, error)
	GetBlobByDigest(ctx context.Context, digest string) (*models.Blob, error)
	BlobDigestReferenced(ctx context.Context, digest string) (bool, error)
	ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.Blob, error)
	DeleteBlobIfUnreferenced(ctx context.Context, id string) (bool, error)
}

// JobQueue is the at-least-once dequeue surface used by extraction workers.
type JobQueue interface {
	ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*models.ExtractionJob, error)
	RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration, progress int) error
	CompleteJob(ctx context.Context, jobID, workerID string, text *string, metadata map[string]any) error
	FailJob(ctx context.Context, jobID, workerID string, cause error, metadata map[string]any) error
	SkipJob(ctx context.Context, jobID, workerID, reason string) error
	FailExpiredJobs(ctx context.Context) (int, error)
	MarkAttachmentExtracting(ctx context.Context, id string) (bool, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	GetBlob(ctx context.Context, id string) (*models.Blob, error)
	GetJob(ctx context.Context, id string) (*models.ExtractionJob, error)
	ListJobsByAttachment(ctx context.Context, attachmentID string) ([]models.ExtractionJob, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]models.ExtractionJob, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	JobPauseState(ctx context.Context) (models.JobPause, error)
}

// ProvenanceStore receives and serves EXIF capture facts.
type ProvenanceStore interface {
	SubmitCaptureFacts(ctx context.Context, facts models.CaptureFacts) error
	GetCaptureFacts(ctx context.Context, attachmentID string) (*models.CaptureFacts, error)
}

var (
	_ NoteStore       = (*Store)(nil)
	_ AttachmentStore = (*Store)(nil)
	_ JobQueue        = (*Store)(nil)
	_ ProvenanceStore = (*Store)(nil)
)
