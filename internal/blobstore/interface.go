package blobstore

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// PutResult describes one persisted blob payload.
type PutResult struct {
	Digest    digest.Digest
	SizeBytes int64
	BlobKey   string
	// Created is false when identical content was already stored.
	Created bool
}

// BlobStore holds payload bytes addressed solely by content digest.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (PutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Backend() string
}
