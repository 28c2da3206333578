package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"mnemo/internal/api"
	"mnemo/internal/models"
	"mnemo/internal/store"
	"mnemo/internal/ticket"
)

// multipartOverhead is the slack allowed above the payload limit for
// multipart boundaries and part headers.
const multipartOverhead = 1 << 20

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request) {
	var req api.UploadRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	in, err := s.attachments.PrepareUpload(r.Context(), UploadInput{
		NoteID:         req.NoteID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		OverrideTypeID: req.OverrideTypeID,
		SizeHint:       -1,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	maxBytes := s.attachments.Policy().MaxUploadBytes
	token, claims, err := s.tickets.Issue(ticket.Claims{
		Purpose:        ticket.PurposeUpload,
		NoteID:         in.NoteID,
		Filename:       in.Filename,
		ContentType:    in.ContentType,
		OverrideTypeID: in.OverrideTypeID,
		MaxBytes:       maxBytes,
	}, s.cfg.UploadTicketTTL)
	if err != nil {
		s.writeServiceError(w, r, internalError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, api.UploadTicketResponse{
		UploadURL: s.cfg.PublicURL + "/v1/uploads/" + token,
		Token:     token,
		ExpiresAt: claims.Expires(),
		MaxBytes:  maxBytes,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.withLimiter(w, r, s.uploadLimiter, "upload", func() {
		claims, err := s.tickets.Verify(ticket.PurposeUpload, r.PathValue("token"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		limit := claims.MaxBytes
		if limit <= 0 {
			limit = s.attachments.Policy().MaxUploadBytes
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		if err := r.ParseMultipartForm(s.cfg.MultipartMaxMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.writeServiceError(w, r, fmt.Errorf("upload exceeds %d bytes: %w", limit, models.ErrPayloadTooLarge))
				return
			}
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid multipart form: %w", err), ErrCodeInvalidArgument))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("content")
		if err != nil {
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("multipart field content is required"), ErrCodeMissingRequired))
			return
		}
		defer file.Close()

		declared := claims.ContentType
		if declared == "" {
			declared = header.Header.Get("Content-Type")
		}
		attachment, err := s.attachments.Ingest(r.Context(), UploadInput{
			NoteID:         claims.NoteID,
			Filename:       claims.Filename,
			ContentType:    declared,
			OverrideTypeID: claims.OverrideTypeID,
			SizeHint:       header.Size,
			MaxBytes:       limit,
		}, file)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}

		resp := api.AttachmentResponse{Attachment: attachment}
		if _, job, err := s.attachments.GetAttachment(r.Context(), attachment.ID); err == nil {
			resp.LatestJob = job
		}
		s.writeJSON(w, http.StatusCreated, resp)
	})
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	attachment, job, err := s.attachments.GetAttachment(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AttachmentResponse{Attachment: attachment, LatestJob: job})
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	if err := s.attachments.DeleteAttachment(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNoteAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.NotePrefix)
	if !ok {
		return
	}
	attachments, err := s.attachments.ListNoteAttachments(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attachments)
}

func (s *Server) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	if _, _, err := s.attachments.GetAttachment(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	token, claims, err := s.tickets.Issue(ticket.Claims{
		Purpose:      ticket.PurposeDownload,
		AttachmentID: id,
	}, s.cfg.DownloadTicketTTL)
	if err != nil {
		s.writeServiceError(w, r, internalError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, api.DownloadTicketResponse{
		DownloadURL: s.cfg.PublicURL + "/v1/downloads/" + token,
		Token:       token,
		ExpiresAt:   claims.Expires(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tickets.Verify(ticket.PurposeDownload, r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	content, err := s.attachments.OpenContent(r.Context(), claims.AttachmentID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer content.Reader.Close()

	filename := strings.TrimSpace(content.Filename)
	if filename == "" {
		filename = claims.AttachmentID
	}
	w.Header().Set("Content-Type", content.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content.Reader); err != nil {
		s.log().Warn("stream attachment content", "attachment_id", claims.AttachmentID, "error", err, "request_id", requestIDFrom(r))
	}
}

func (s *Server) handleListAttachmentJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	jobs, err := s.attachments.ListJobs(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRetryAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	attachment, job, err := s.attachments.Retry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.RetryResponse{Attachment: attachment, Job: job})
}

func (s *Server) handleGetCaptureFacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.AttachmentPrefix)
	if !ok {
		return
	}
	facts, err := s.attachments.CaptureFacts(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, facts)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.JobPrefix)
	if !ok {
		return
	}
	job, err := s.attachments.GetJob(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobPauseState(w http.ResponseWriter, r *http.Request) {
	state, err := s.attachments.JobPauseState(r.Context())
	s.writeJobPause(w, r, state, err)
}

func (s *Server) handlePauseJobs(w http.ResponseWriter, r *http.Request) {
	state, err := s.attachments.SetJobsPaused(r.Context(), true)
	s.writeJobPause(w, r, state, err)
}

func (s *Server) handleResumeJobs(w http.ResponseWriter, r *http.Request) {
	state, err := s.attachments.SetJobsPaused(r.Context(), false)
	s.writeJobPause(w, r, state, err)
}

func (s *Server) writeJobPause(w http.ResponseWriter, r *http.Request, state models.JobPause, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobPauseResponse{JobPause: state, State: state.State()})
}
