package api

import (
	"time"

	"mnemo/internal/models"
)

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// NoteCreateRequest creates a minimal owning note.
type NoteCreateRequest struct {
	Title string `json:"title"`
}

// InfoResponse summarises server and store state.
type InfoResponse struct {
	DBPath            string                          `json:"db_path"`
	BlobRoot          string                          `json:"blob_root"`
	SchemaVersion     int                             `json:"schema_version"`
	TotalNotes        int                             `json:"total_notes"`
	TotalAttachments  int                             `json:"total_attachments"`
	AttachmentCounts  map[models.AttachmentStatus]int `json:"attachment_counts"`
	JobCounts         map[models.JobStatus]int        `json:"job_counts"`
	TotalBlobs        int                             `json:"total_blobs"`
	UnreferencedBlobs int                             `json:"unreferenced_blobs"`
	StoredBytes       int64                           `json:"stored_bytes"`
}

// BackendHealth is the availability of one strategy's adapter.
type BackendHealth struct {
	Strategy  models.Strategy `json:"strategy"`
	Available bool            `json:"available"`
	Backend   string          `json:"backend,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// BackendsResponse lists adapter availability per strategy.
type BackendsResponse struct {
	Backends  []BackendHealth `json:"backends"`
	CheckedAt time.Time       `json:"checked_at"`
}
