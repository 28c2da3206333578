package models

import "time"

// Blob is an immutable stored content object referenced by attachments.
type Blob struct {
	ID             string    `json:"id"`
	Digest         string    `json:"digest"`
	SizeBytes      int64     `json:"size_bytes"`
	StorageBackend string    `json:"storage_backend"`
	BlobKey        string    `json:"blob_key"`
	ReferenceCount int64     `json:"reference_count"`
	CreatedAt      time.Time `json:"created_at"`
}
