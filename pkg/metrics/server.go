package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Server is the metrics listener.
type Server struct {
	Log *zap.Logger
	srv *http.Server
}

// NewServer serves the metrics handler on /metrics.
func NewServer(log *zap.Logger, handler http.Handler) *Server {
	r := chi.NewRouter()
	r.Handle("/metrics", handler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return &Server{
		Log: log,
		srv: &http.Server{Handler: r},
	}
}

// Serve blocks until the server is shut down.
func (s *Server) Serve(sock net.Listener) error {
	err := s.srv.Serve(sock)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener immediately.
func (s *Server) Stop() {
	if err := s.srv.Close(); err != nil {
		s.Log.Warn("Failed to stop metrics server", zap.Error(err))
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
