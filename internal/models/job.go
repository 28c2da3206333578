package models

import "time"

// ExtractionJob is one queued run of a strategy against one attachment.
type ExtractionJob struct {
	ID             string     `json:"id"`
	AttachmentID   string     `json:"attachment_id"`
	Strategy       Strategy   `json:"strategy"`
	Status         JobStatus  `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	Progress       int        `json:"progress"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// JobPause is the persisted switch that stops workers from claiming jobs.
// Jobs already claimed run to completion.
type JobPause struct {
	Paused    bool       `json:"paused"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// State names the switch position for display.
func (p JobPause) State() string {
	if p.Paused {
		return "paused"
	}
	return "running"
}

// DocumentType is a named content classification from the registry.
type DocumentType struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Category        string   `json:"category" yaml:"category"`
	Extensions      []string `json:"extensions,omitempty" yaml:"extensions"`
	MimeTypes       []string `json:"mime_types,omitempty" yaml:"mime_types"`
	Filenames       []string `json:"filenames,omitempty" yaml:"filenames"`
	DefaultStrategy Strategy `json:"default_strategy" yaml:"default_strategy"`
	ChunkingHint    string   `json:"chunking_hint,omitempty" yaml:"chunking_hint"`
}
