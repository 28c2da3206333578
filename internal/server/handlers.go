package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"mnemo/internal/api"
	"mnemo/internal/models"
)

const defaultJSONMaxBody = 1 << 20 // 1 MiB

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := errorNumericCode(status, err)
	message := err.Error()

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "request_id", requestIDFrom(r))
	}

	switch {
	case status >= 500:
		s.log().Error("request error", fields...)
		message = "internal error"
	case status >= 400 && shouldWarnClientError(status):
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

type apiError struct {
	status  int
	code    string
	errCode int
	err     error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error {
	return e.err
}

func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	var existing apiError
	if errors.As(err, &existing) {
		if existing.status != 0 {
			return existing
		}
	}

	return apiError{status: status, code: code, errCode: errCode, err: err}
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, api.CodeInvalidArgument, code, err)
}

func notFoundCode(err error, code int) error {
	return makeAPIError(http.StatusNotFound, api.CodeNotFound, code, err)
}

func conflictCode(err error, code int) error {
	return makeAPIError(http.StatusConflict, api.CodeConflict, code, err)
}

func internalError(err error) error {
	return makeAPIError(http.StatusInternalServerError, api.CodeInternal, ErrCodeInternal, err)
}

func storeFailure(err error) error {
	return makeAPIError(http.StatusInternalServerError, api.CodeInternal, ErrCodeStoreFailure, err)
}

// domainErrors maps pipeline sentinels to responses; the first match wins.
var domainErrors = []struct {
	target  error
	status  int
	code    string
	errCode int
}{
	{models.ErrBlockedExtension, http.StatusUnprocessableEntity, api.CodeBlockedExtension, ErrCodeBlockedExtension},
	{models.ErrBlockedContent, http.StatusUnprocessableEntity, api.CodeBlockedContent, ErrCodeBlockedContent},
	{models.ErrContentTypeMismatch, http.StatusUnsupportedMediaType, api.CodeContentTypeMismatch, ErrCodeContentTypeMismatch},
	{models.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, api.CodePayloadTooLarge, ErrCodePayloadTooLarge},
	{models.ErrInvalidTicket, http.StatusForbidden, api.CodeForbidden, ErrCodeInvalidTicket},
	{models.ErrNoteNotFound, http.StatusNotFound, api.CodeNotFound, ErrCodeNoteNotFound},
	{models.ErrAttachmentNotFound, http.StatusNotFound, api.CodeNotFound, ErrCodeAttachmentNotFound},
	{models.ErrJobNotFound, http.StatusNotFound, api.CodeNotFound, ErrCodeJobNotFound},
	{models.ErrBlobNotFound, http.StatusNotFound, api.CodeNotFound, ErrCodeBlobNotFound},
	{models.ErrRetryExhausted, http.StatusConflict, api.CodeConflict, ErrCodeRetryExhausted},
}

// domainError turns a service error into an apiError. Errors that already
// carry a status pass through; unknown errors are store failures.
func domainError(err error) error {
	if err == nil {
		return nil
	}
	var existing apiError
	if errors.As(err, &existing) && existing.status != 0 {
		return existing
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return makeAPIError(m.status, m.code, m.errCode, err)
		}
	}
	return storeFailure(err)
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

var codeByStatus = map[int]string{
	http.StatusBadRequest:            api.CodeInvalidArgument,
	http.StatusForbidden:             api.CodeForbidden,
	http.StatusNotFound:              api.CodeNotFound,
	http.StatusConflict:              api.CodeConflict,
	http.StatusRequestEntityTooLarge: api.CodePayloadTooLarge,
	http.StatusTooManyRequests:       api.CodeResourceExhausted,
	http.StatusInternalServerError:   api.CodeInternal,
}

func errorCode(status int, err error) string {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.code != "" {
		return apiErr.code
	}
	return codeByStatus[status]
}

func errorNumericCode(status int, err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.errCode > 0 {
		return apiErr.errCode
	}
	return defaultErrorCodeByStatus(status)
}

func shouldWarnClientError(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultJSONMaxBody)
	return json.NewDecoder(r.Body).Decode(dst)
}

func classifyDecodeJSONError(err error) error {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return badRequestCode(fmt.Errorf("invalid JSON payload"), ErrCodeInvalidJSON)
	}

	return badRequestCode(err, ErrCodeInvalidJSON)
}

func (s *Server) decodeJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyDecodeJSONError(err))
		return false
	}
	return true
}

// decodeOptionalJSONReq is decodeJSONReq for endpoints whose body may be empty.
func (s *Server) decodeOptionalJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.writeErrorReq(w, r, http.StatusBadRequest, classifyDecodeJSONError(err))
	return false
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	err = domainError(err)
	s.writeErrorReq(w, r, httpStatusFromError(err), err)
}

func (s *Server) withLimiter(w http.ResponseWriter, r *http.Request, limiter chan struct{}, name string, fn func()) {
	if !s.acquireLimiter(limiter, w, r, name) {
		return
	}
	defer s.releaseLimiter(limiter)
	fn()
}

// pathIDOrBadRequest reads {id} and checks it carries the expected prefix.
func (s *Server) pathIDOrBadRequest(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !validateID(prefix, id) {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid id: %q", id), ErrCodeInvalidID))
		return "", false
	}
	return id, true
}

func queryInt(r *http.Request, key string) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	if parsed < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}
