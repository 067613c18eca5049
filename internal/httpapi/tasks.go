package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type delegateTaskRequest struct {
	TeamUUID           string   `json:"team_uuid"`
	CreatedByAgent     string   `json:"created_by_agent"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	RequiredCapability string   `json:"required_capability"`
	DependsOn          []string `json:"depends_on"`
	TimeoutMs          *int     `json:"timeout_ms"`
	MaxRetries         int      `json:"max_retries"`
}

func (s *Server) handleDelegateTask(w http.ResponseWriter, r *http.Request) {
	var req delegateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.Kanban.DelegateTask(r.Context(), req.TeamUUID, req.CreatedByAgent, req.Title,
		req.Description, req.RequiredCapability, req.DependsOn, req.TimeoutMs, req.MaxRetries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type claimTaskRequest struct {
	AgentUUID string `json:"agent_uuid"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.Kanban.StartTask(r.Context(), chi.URLParam(r, "taskID"), req.AgentUUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type progressTaskRequest struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

func (s *Server) handleProgressTask(w http.ResponseWriter, r *http.Request) {
	var req progressTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.Kanban.ProgressTask(r.Context(), chi.URLParam(r, "taskID"), req.Current, req.Total, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeTaskRequest struct {
	AgentUUID    string         `json:"agent_uuid"`
	Result       string         `json:"result"`
	Output       map[string]any `json:"output"`
	MoveToReview bool           `json:"move_to_review"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.Kanban.CompleteTask(r.Context(), chi.URLParam(r, "taskID"), req.AgentUUID,
		req.Result, req.Output, req.MoveToReview)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type failTaskRequest struct {
	AgentUUID string `json:"agent_uuid"`
	Error     string `json:"error"`
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.Kanban.FailTask(r.Context(), chi.URLParam(r, "taskID"), req.AgentUUID, req.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
