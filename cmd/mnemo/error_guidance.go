package main

import (
	"context"
	"errors"
	"net"
	"slices"

	"mnemo/internal/api"
)

var codeHints = map[string]string{
	api.CodeForbidden:           "hint: the upload or download ticket expired or was rejected; request a new one.",
	api.CodePayloadTooLarge:     "hint: raise attachments.max_upload_bytes on the server to accept larger files.",
	api.CodeBlockedExtension:    "hint: the safety gate refuses executables and scripts; archive the file first if it must be kept.",
	api.CodeBlockedContent:      "hint: the file content is an executable whatever its name; archive it first if it must be kept.",
	api.CodeContentTypeMismatch: "hint: pass the right --content-type, or set attachments.mismatch_policy=retag on the server.",
	api.CodeConflict:            "hint: check the attachment state with: mnemo attach show <attachment-id>",
}

const (
	hintNotMnemo   = "hint: verify MNEMO_API_URL points to a mnemo server."
	hintTemporary  = "hint: the server is busy; retry shortly or reduce concurrent uploads."
	hintServerLogs = "hint: server returned an internal error; check server logs for details."
	hintTimeout    = "hint: request timed out; check server health or increase MNEMO_HTTP_TIMEOUT."
	hintNoServer   = "hint: ensure a mnemo server is running at MNEMO_API_URL."
	hintStartSrv   = "hint: start local server manually with: mnemo srv"

	hintNothingStored = "hint: nothing was stored; the note is unchanged."
)

// formatCLIError returns the error line followed by hints for the user.
func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}
	lines := []string{err.Error()}

	var apiErr *api.APIError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		lines = append(lines, apiHints(apiErr)...)
	case errors.Is(err, context.DeadlineExceeded):
		lines = append(lines, hintTimeout)
	case errors.As(err, &netErr):
		lines = append(lines, hintNoServer, hintStartSrv)
	}
	return slices.Compact(lines)
}

func apiHints(e *api.APIError) []string {
	var hints []string
	if e.Code == "" {
		hints = append(hints, hintNotMnemo)
	}
	if hint, ok := codeHints[e.Code]; ok {
		hints = append(hints, hint)
	}
	if e.Rejected() {
		hints = append(hints, hintNothingStored)
	}
	if e.Temporary() {
		hints = append(hints, hintTemporary)
	} else if e.Status >= 500 {
		hints = append(hints, hintServerLogs)
	}
	return hints
}
