package api

import (
	"fmt"
	"net/http"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidArgument     = "invalid_argument"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeForbidden           = "forbidden"
	CodeResourceExhausted   = "resource_exhausted"
	CodePayloadTooLarge     = "payload_too_large"
	CodeBlockedExtension    = "blocked_extension"
	CodeBlockedContent      = "blocked_content"
	CodeContentTypeMismatch = "content_type_mismatch"
	CodeInternal            = "internal"
)

// APIError is an error response decoded from the mnemo API.
type APIError struct {
	Status    int
	Code      string
	ErrorCode int
	Message   string
}

func (e *APIError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Status > 0:
		return fmt.Sprintf("api error: %d %s", e.Status, http.StatusText(e.Status))
	default:
		return "api error"
	}
}

// Rejected reports whether the safety gate refused the upload.
func (e *APIError) Rejected() bool {
	switch e.Code {
	case CodeBlockedExtension, CodeBlockedContent, CodeContentTypeMismatch:
		return true
	}
	return false
}

// Temporary reports whether repeating the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}
