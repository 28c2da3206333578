package models

import (
	"context"
	"errors"
)

var (
	ErrBlockedExtension    = errors.New("blocked file extension")
	ErrBlockedContent      = errors.New("blocked executable content")
	ErrContentTypeMismatch = errors.New("content does not match declared type")
	ErrNoteNotFound        = errors.New("note not found")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrBackendUnavailable  = errors.New("extraction backend unavailable")
	ErrExtractionFailed    = errors.New("extraction failed")
	ErrAttachmentNotFound  = errors.New("attachment not found")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrJobNotFound         = errors.New("extraction job not found")
	ErrRetryExhausted      = errors.New("retry limit reached")
	ErrInvalidTicket       = errors.New("invalid or expired ticket")
)

// ErrorKind is the persisted classification of an extraction failure.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindBlockedExtension   ErrorKind = "blocked_extension"
	ErrorKindBackendUnavailable ErrorKind = "backend_unavailable"
	ErrorKindExtractionFailed   ErrorKind = "extraction_failed"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindBlobNotFound       ErrorKind = "blob_not_found"
	ErrorKindInternal           ErrorKind = "internal"
)

// ErrorKindOf classifies err for storage on a job.
func ErrorKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, ErrBlockedExtension), errors.Is(err, ErrBlockedContent):
		return ErrorKindBlockedExtension
	case errors.Is(err, ErrBackendUnavailable):
		return ErrorKindBackendUnavailable
	case errors.Is(err, ErrBlobNotFound):
		return ErrorKindBlobNotFound
	case errors.Is(err, ErrExtractionFailed):
		return ErrorKindExtractionFailed
	default:
		return ErrorKindInternal
	}
}
