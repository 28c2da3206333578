package models

import (
	"fmt"
	"strings"
	"time"
)

// ContentTypeSource records how the effective content type was determined.
type ContentTypeSource string

const (
	ContentTypeSourceSniffed  ContentTypeSource = "sniffed"
	ContentTypeSourceDeclared ContentTypeSource = "declared"
	ContentTypeSourceInferred ContentTypeSource = "inferred"
)

var validContentTypeSources = map[ContentTypeSource]struct{}{
	ContentTypeSourceSniffed:  {},
	ContentTypeSourceDeclared: {},
	ContentTypeSourceInferred: {},
}

// Attachment is one uploaded file associated with one note.
type Attachment struct {
	ID                  string            `json:"id"`
	NoteID              string            `json:"note_id"`
	BlobID              string            `json:"blob_id"`
	Filename            string            `json:"filename"`
	DeclaredContentType string            `json:"declared_content_type,omitempty"`
	ContentType         string            `json:"content_type"`
	ContentTypeSource   ContentTypeSource `json:"content_type_source"`
	SizeBytes           int64             `json:"size_bytes"`
	DocumentTypeID      string            `json:"document_type_id"`
	Strategy            Strategy          `json:"extraction_strategy"`
	Status              AttachmentStatus  `json:"status"`
	ExtractedText       *string           `json:"extracted_text,omitempty"`
	ExtractedMetadata   map[string]any    `json:"extracted_metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// HasExtractedText reports whether extraction produced any text.
func (a Attachment) HasExtractedText() bool {
	return a.ExtractedText != nil && *a.ExtractedText != ""
}

func ParseContentTypeSource(raw string) (ContentTypeSource, error) {
	value := ContentTypeSource(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("content_type_source is required")
	}
	if _, ok := validContentTypeSources[value]; !ok {
		return "", fmt.Errorf("invalid content_type_source: %s", value)
	}
	return value, nil
}

// Note is the minimal owning-note record the pipeline checks against.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CaptureFacts are the geospatial and temporal facts read from image EXIF.
type CaptureFacts struct {
	AttachmentID string     `json:"attachment_id"`
	GPS          *GPSPoint  `json:"gps,omitempty"`
	CaptureTime  *time.Time `json:"capture_time,omitempty"`
	Device       *Device    `json:"device,omitempty"`
	RecordedAt   time.Time  `json:"recorded_at"`
}

// Empty reports whether no fact was found.
func (f CaptureFacts) Empty() bool {
	return f.GPS == nil && f.CaptureTime == nil && f.Device == nil
}

type GPSPoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

type Device struct {
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Software string `json:"software,omitempty"`
}
