package api

import (
	"encoding/json"
	"net/http"

	"github.com/shohag/msgtrack/internal/relay"
)

type TokenHandler struct {
	hub *relay.Hub
}

func NewTokenHandler(hub *relay.Hub) *TokenHandler {
	return &TokenHandler{hub: hub}
}

type issueTokenRequest struct {
	UserID string `json:"user_id"`
}

func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	token, err := h.hub.IssueToken(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": req.UserID,
		"token":   token,
	})
}
