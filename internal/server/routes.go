package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with the health check and
// the websocket endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
