package api

import (
	"time"

	"mnemo/internal/models"
)

// UploadRequest asks for an upload ticket before any bytes are sent.
type UploadRequest struct {
	NoteID         string `json:"note_id"`
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type,omitempty"`
	OverrideTypeID string `json:"override_type_id,omitempty"`
}

// UploadTicketResponse is the short-lived upload target.
type UploadTicketResponse struct {
	UploadURL string    `json:"upload_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxBytes  int64     `json:"max_bytes"`
}

// DownloadTicketResponse is the short-lived retrieval target.
type DownloadTicketResponse struct {
	DownloadURL string    `json:"download_url"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AttachmentResponse is an attachment with its most recent extraction job.
type AttachmentResponse struct {
	models.Attachment
	LatestJob *models.ExtractionJob `json:"latest_job,omitempty"`
}

// RetryResponse reports the attachment and the freshly enqueued job.
type RetryResponse struct {
	Attachment models.Attachment    `json:"attachment"`
	Job        models.ExtractionJob `json:"job"`
}

// JobPauseResponse reports the job processing switch.
type JobPauseResponse struct {
	models.JobPause
	State string `json:"state"`
}

// BlobGCRequest configures one blob GC run.
type BlobGCRequest struct {
	DryRun    bool `json:"dry_run"`
	BatchSize int  `json:"batch_size,omitempty"`
}

// BlobGCResponse reports one GC run result.
type BlobGCResponse struct {
	CandidateCount int   `json:"candidate_count"`
	DeletedCount   int   `json:"deleted_count"`
	FailedCount    int   `json:"failed_count"`
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	DryRun         bool  `json:"dry_run"`
}
