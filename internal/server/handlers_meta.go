package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mnemo/internal/api"
	"mnemo/internal/models"
	"mnemo/internal/store"
)

const backendHealthTimeout = 5 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.StoreInfo(r.Context())
	if err != nil {
		s.writeErrorReq(w, r, http.StatusInternalServerError, storeFailure(err))
		return
	}
	s.writeJSON(w, http.StatusOK, api.InfoResponse{
		DBPath:            s.cfg.DBPath,
		BlobRoot:          s.cfg.BlobRoot,
		SchemaVersion:     info.SchemaVersion,
		TotalNotes:        info.TotalNotes,
		TotalAttachments:  info.TotalAttachments,
		AttachmentCounts:  info.AttachmentCounts,
		JobCounts:         info.JobCounts,
		TotalBlobs:        info.TotalBlobs,
		UnreferencedBlobs: info.UnreferencedBlobs,
		StoredBytes:       info.StoredBytes,
	})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req api.NoteCreateRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	note, err := s.attachments.CreateNote(r.Context(), req.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathIDOrBadRequest(w, r, store.NotePrefix)
	if !ok {
		return
	}
	note, err := s.attachments.GetNote(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDocumentTypes(w http.ResponseWriter, r *http.Request) {
	types := []models.DocumentType{}
	if s.registry != nil {
		types = s.registry.List()
	}
	s.writeJSON(w, http.StatusOK, types)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	resp := api.BackendsResponse{Backends: []api.BackendHealth{}, CheckedAt: time.Now().UTC()}
	if s.extractors != nil {
		ctx, cancel := context.WithTimeout(r.Context(), backendHealthTimeout)
		defer cancel()
		for _, h := range s.extractors.Health(ctx) {
			resp.Backends = append(resp.Backends, api.BackendHealth{
				Strategy:  h.Strategy,
				Available: h.Available,
				Backend:   h.Backend,
				Error:     h.Error,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminGCBlobs(w http.ResponseWriter, r *http.Request) {
	s.withLimiter(w, r, s.gcLimiter, "gc", func() {
		var req api.BlobGCRequest
		if !s.decodeOptionalJSONReq(w, r, &req) {
			return
		}
		if req.BatchSize < 0 {
			s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("batch_size must be >= 0"), ErrCodeInvalidArgument))
			return
		}
		// Query parameters override the body.
		dryRun, err := queryBool(r, "dry_run")
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		batchSize, err := queryInt(r, "batch_size")
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		req.DryRun = req.DryRun || dryRun
		if batchSize > 0 {
			req.BatchSize = batchSize
		}

		result, err := s.attachments.GCBlobs(r.Context(), req.BatchSize, !req.DryRun)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.BlobGCResponse{
			CandidateCount: result.CandidateCount,
			DeletedCount:   result.DeletedCount,
			FailedCount:    result.FailedCount,
			ReclaimedBytes: result.ReclaimedBytes,
			DryRun:         result.DryRun,
		})
	})
}
