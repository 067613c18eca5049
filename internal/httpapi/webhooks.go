package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/relaykit/orchestrate/internal/store"
)

type createWebhookRequest struct {
	TeamUUID string   `json:"team_uuid"`
	URL      string   `json:"url"`
	Secret   string   `json:"secret"`
	Events   []string `json:"events"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	hook := &store.Webhook{
		WebhookUUID: uuid.NewString(),
		TeamUUID:    req.TeamUUID,
		URL:         req.URL,
		Secret:      req.Secret,
		Events:      req.Events,
		Active:      true,
	}
	if err := s.Store.CreateWebhook(r.Context(), hook); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}
