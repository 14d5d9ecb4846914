package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection, and registers a new
// Client with the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr)
	if !s.hub.Register(client) {
		client.closeConnection()
	}
}

// HealthHandler reports that the server is up and how many users are online.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "%s server is running! %d online", ServerName, s.registry.Len())
}
