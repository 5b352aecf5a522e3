package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/coilsense/ldcstream/internal/logging"
)

// Server exposes a hub's history, status, and live stream over HTTP.
type Server struct {
	srv *http.Server
	hub *Hub
	log logging.Logger
}

// NewServer builds the HTTP server for a hub.
func NewServer(addr string, hub *Hub, logger logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/status", hub.handleStatus)
	mux.HandleFunc("/api/live", hub.handleLive)
	return &Server{
		hub: hub,
		srv: &http.Server{Addr: addr, Handler: mux},
		log: logger,
	}
}

// Start listens until the context is canceled, then shuts down.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && s.log != nil {
			s.log.Warn("telemetry shutdown", logging.Field{Key: "err", Value: err})
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		if s.log != nil {
			s.log.Error("telemetry server", logging.Field{Key: "err", Value: err})
		}
	}
}
