package models

import (
	"fmt"
	"strings"
)

// AttachmentStatus defines the extraction lifecycle of an attachment.
type AttachmentStatus string

const (
	AttachmentUploaded   AttachmentStatus = "uploaded"
	AttachmentExtracting AttachmentStatus = "extracting"
	AttachmentExtracted  AttachmentStatus = "extracted"
	AttachmentFailed     AttachmentStatus = "failed"
)

// JobStatus defines allowed lifecycle states for extraction jobs.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

var validAttachmentStatuses = map[AttachmentStatus]struct{}{
	AttachmentUploaded:   {},
	AttachmentExtracting: {},
	AttachmentExtracted:  {},
	AttachmentFailed:     {},
}

var validJobStatuses = map[JobStatus]struct{}{
	JobPending:    {},
	JobProcessing: {},
	JobCompleted:  {},
	JobFailed:     {},
}

// attachmentTransitions lists forward moves. failed -> uploaded is the
// terminal retry path and the only backwards edge.
var attachmentTransitions = map[AttachmentStatus][]AttachmentStatus{
	AttachmentUploaded:   {AttachmentExtracting, AttachmentExtracted, AttachmentFailed},
	AttachmentExtracting: {AttachmentExtracted, AttachmentFailed},
	AttachmentExtracted:  {},
	AttachmentFailed:     {AttachmentUploaded},
}

func ParseAttachmentStatus(raw string) (AttachmentStatus, error) {
	value := AttachmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("attachment status is required")
	}
	if _, ok := validAttachmentStatuses[value]; !ok {
		return "", fmt.Errorf("invalid attachment status: %s", value)
	}
	return value, nil
}

func ParseJobStatus(raw string) (JobStatus, error) {
	value := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("job status is required")
	}
	if _, ok := validJobStatuses[value]; !ok {
		return "", fmt.Errorf("invalid job status: %s", value)
	}
	return value, nil
}

// CanTransition reports whether an attachment may move from one status to another.
// Re-entering the same status is allowed so that redelivered jobs stay idempotent.
func CanTransition(from, to AttachmentStatus) bool {
	if from == to {
		return from == AttachmentExtracting
	}
	for _, next := range attachmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}
