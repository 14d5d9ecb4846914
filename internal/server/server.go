package server

import (
	"net/http"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Identity reported to clients in user:joined.
const (
	ServerName = "huddle"
	Version    = "1.0.0"
)

// Server wires the registry, presence, routing and typing components to the
// websocket hub and the HTTP surface.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	store    history.Log
	registry *Registry
	hub      *Hub
	presence *Presence
	router   *Router
	typing   *Typing
	origins  originPolicy
	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds a server from cfg. store may be nil to run without a message log.
func New(cfg Config, store history.Log, logger zerolog.Logger) *Server {
	cfg = cfg.sanitize()

	s := &Server{
		cfg:      cfg,
		log:      logger,
		store:    store,
		registry: NewRegistry(),
	}

	origins, invalid := newOriginPolicy(cfg.AllowedOrigins)
	for _, origin := range invalid {
		logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
	}
	s.origins = origins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.hub = NewHub(cfg, s, logger)
	s.presence = NewPresence(cfg, s.registry, s.hub, store, logger)
	s.typing = NewTyping(cfg.TypingTimeout, s.presence, logger)
	s.router = NewRouter(cfg, s.registry, s.presence, s.typing, store, logger)
	s.http = CreateServer(cfg.Port, s.Routes())
	return s
}

// Config returns the sanitized configuration in effect.
func (s *Server) Config() Config {
	return s.cfg
}

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Hub exposes the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.allows(r) {
		return true
	}

	s.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket connection from disallowed origin")
	return false
}
