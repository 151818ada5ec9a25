package api

import (
	"net/http"
	"sort"

	"github.com/shohag/msgtrack/internal/relay"
)

type HealthHandler struct {
	hub *relay.Hub
}

func NewHealthHandler(hub *relay.Hub) *HealthHandler {
	return &HealthHandler{hub: hub}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "msgtrack-relay",
	})
}

func (h *HealthHandler) Presence(w http.ResponseWriter, r *http.Request) {
	online := h.hub.Online()
	sort.Strings(online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":   UserFromContext(r.Context()),
		"online": online,
	})
}
