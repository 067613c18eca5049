package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type createApprovalRequest struct {
	TeamUUID         string     `json:"team_uuid"`
	Title            string     `json:"title"`
	Approvers        []string   `json:"approvers"`
	RequestedByAgent string     `json:"requested_by_agent"`
	RequestedByUser  string     `json:"requested_by_user"`
	TaskUUID         string     `json:"task_uuid"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gate, err := s.Approvals.Create(r.Context(), req.TeamUUID, req.Title, req.Approvers,
		req.RequestedByAgent, req.RequestedByUser, req.TaskUUID, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gate)
}

type respondApprovalRequest struct {
	ResponderUserUUID string `json:"responder_user_uuid"`
	Approve           bool   `json:"approve"`
	Note              string `json:"note"`
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req respondApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gate, err := s.Approvals.Respond(r.Context(), chi.URLParam(r, "gateID"), req.ResponderUserUUID, req.Approve, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}
