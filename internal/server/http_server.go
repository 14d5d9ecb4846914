package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartHub starts the hub's run loop in a separate goroutine. Start calls it;
// tests that mount Routes on their own listener call it directly.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info().Msg("hub started and ready to manage websocket connections")
}

// Start runs the hub and listens for HTTP connections until Shutdown.
func (s *Server) Start() error {
	s.StartHub()
	s.log.Info().Str("addr", s.http.Addr).Msg("server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownHTTP gracefully shuts down the HTTP listener without interrupting
// active connections.
func (s *Server) ShutdownHTTP(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	s.log.Info().Msg("HTTP server shutdown completed")
	return nil
}

// ShutdownHub closes every websocket, waits up to timeout for the pumps and
// stops pending typing timers.
func (s *Server) ShutdownHub(timeout time.Duration) error {
	err := s.hub.Shutdown(timeout)
	s.typing.Close()
	return err
}
