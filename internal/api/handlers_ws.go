package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shohag/msgtrack/internal/relay"
)

type WSHandler struct {
	ctx      context.Context
	hub      *relay.Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(ctx context.Context, hub *relay.Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		ctx: ctx,
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.ServeConn(h.ctx, conn)
}
