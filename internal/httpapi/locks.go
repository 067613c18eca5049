package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type acquireLockRequest struct {
	ResourceType     string `json:"resource_type"`
	ResourceID       string `json:"resource_id"`
	OwnerAgent       string `json:"owner_agent"`
	ConflictStrategy string `json:"conflict_strategy"`
	ContentHash      string `json:"content_hash"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req acquireLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.Locks.Acquire(r.Context(), req.ResourceType, req.ResourceID, req.OwnerAgent,
		req.ConflictStrategy, req.ContentHash, req.TimeoutSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type releaseLockRequest struct {
	OwnerAgent string `json:"owner_agent"`
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req releaseLockRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Locks.Release(r.Context(), chi.URLParam(r, "lockID"), req.OwnerAgent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}
