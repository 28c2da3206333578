package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument = 1000
	ErrCodeInvalidJSON     = 1001
	ErrCodeRequestTooLarge = 1002
	ErrCodeInvalidQuery    = 1003
	ErrCodeInvalidID       = 1004
	ErrCodeMissingRequired = 1009

	// Domain state (2xxx)
	ErrCodeNoteNotFound       = 2001
	ErrCodeAttachmentNotFound = 2003
	ErrCodeBlobNotFound       = 2004
	ErrCodeJobNotFound        = 2005
	ErrCodeCaptureNotFound    = 2006
	ErrCodeConflict           = 2102
	ErrCodeRetryExhausted     = 2103
	ErrCodeInvalidTransition  = 2104

	// Policy & limits (3xxx)
	ErrCodeResourceExhausted   = 3003
	ErrCodeBlockedExtension    = 3004
	ErrCodeBlockedContent      = 3005
	ErrCodeContentTypeMismatch = 3006
	ErrCodePayloadTooLarge     = 3007
	ErrCodeInvalidTicket       = 3008

	// Internal/system (4xxx)
	ErrCodeInternal         = 4001
	ErrCodeStoreFailure     = 4002
	ErrCodeBlobStoreFailure = 4003
	ErrCodeNotImplemented   = 4005
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 403:
		return ErrCodeInvalidTicket
	case 404:
		return ErrCodeAttachmentNotFound
	case 409:
		return ErrCodeConflict
	case 413:
		return ErrCodePayloadTooLarge
	case 422:
		return ErrCodeBlockedExtension
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 501:
		return ErrCodeNotImplemented
	default:
		return 0
	}
}
