package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/store"
	"github.com/relaykit/orchestrate/internal/workflow"
)

type createRunRequest struct {
	WorkflowName string                   `json:"workflow_name"`
	Definition   store.WorkflowDefinition `json:"definition"`
	Input        map[string]any           `json:"input"`
}

type createRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleCreateRun implements the "external caller enqueues a workflow
// run" leg of the data flow: persist the run as queued, then
// publish it to the job broker, which the worker dequeues.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	run := &store.WorkflowRun{
		RunID:        uuid.NewString(),
		UserUUID:     callerUser(r),
		WorkflowName: req.WorkflowName,
		Definition:   req.Definition,
		Input:        req.Input,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Store.CreateWorkflowRun(r.Context(), run); err != nil {
		writeError(w, err)
		return
	}
	if err := workflow.Enqueue(r.Context(), s.Queue, run.RunID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, createRunResponse{RunID: run.RunID, Status: store.RunStatusQueued})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.Store.GetWorkflowRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
