package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health check, info and metrics.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Notes.
	mux.HandleFunc("POST /v1/notes", s.handleCreateNote)
	mux.HandleFunc("GET /v1/notes/{id}", s.handleGetNote)
	mux.HandleFunc("GET /v1/notes/{id}/attachments", s.handleListNoteAttachments)

	// Upload handshake.
	mux.HandleFunc("POST /v1/uploads", s.handleRequestUpload)
	mux.HandleFunc("POST /v1/uploads/{token}", s.handleUpload)

	// Attachments.
	mux.HandleFunc("GET /v1/attachments/{id}", s.handleGetAttachment)
	mux.HandleFunc("DELETE /v1/attachments/{id}", s.handleDeleteAttachment)
	mux.HandleFunc("POST /v1/attachments/{id}/download-url", s.handleRequestDownload)
	mux.HandleFunc("GET /v1/attachments/{id}/jobs", s.handleListAttachmentJobs)
	mux.HandleFunc("POST /v1/attachments/{id}/retry", s.handleRetryAttachment)
	mux.HandleFunc("GET /v1/attachments/{id}/capture-facts", s.handleGetCaptureFacts)
	mux.HandleFunc("GET /v1/downloads/{token}", s.handleDownload)

	// Jobs.
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/pause-state", s.handleJobPauseState)
	mux.HandleFunc("POST /v1/jobs/pause", s.handlePauseJobs)
	mux.HandleFunc("POST /v1/jobs/resume", s.handleResumeJobs)

	// Registry and backends.
	mux.HandleFunc("GET /v1/document-types", s.handleDocumentTypes)
	mux.HandleFunc("GET /v1/backends", s.handleBackends)

	// Admin.
	mux.HandleFunc("POST /v1/admin/gc-blobs", s.handleAdminGCBlobs)

	return mux
}
