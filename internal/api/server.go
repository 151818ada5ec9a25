package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/msgtrack/internal/config"
	"github.com/shohag/msgtrack/internal/relay"
)

type Server struct {
	cfg    config.ServerConfig
	hub    *relay.Hub
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg config.ServerConfig, hub *relay.Hub, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	wsHandler := NewWSHandler(s.ctx, s.hub, s.log)
	tokenHandler := NewTokenHandler(s.hub)
	healthHandler := NewHealthHandler(s.hub)

	// Health check, no auth
	r.Get("/health", healthHandler.Health)

	// Clients authenticate in-band with an authenticate event
	r.Get("/ws", wsHandler.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		// Development token issuance
		r.Post("/tokens", tokenHandler.Issue)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(s.hub))
			r.Get("/presence", healthHandler.Presence)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting relay server")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting requests and closes live websocket connections.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.cancel()
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
