package core

import (
	"fmt"
	"io"
	"net/http"
	"nxcache/internal/auth"
	"nxcache/internal/storage"
)

// Server implements the remote cache HTTP API on top of a storage engine.
type Server struct {
	Config     Config
	engine     storage.Storage
	authEngine auth.AuthEngine
	metrics    *Metrics
}

// NewServer validates cfg and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	authEngine := cfg.Authenticator
	if authEngine == nil {
		authEngine = auth.NewBearerAuthEngine(cfg.Tokens)
	}

	metrics := NewMetrics(cfg.Registry)

	return &Server{
		Config:     cfg,
		engine:     metrics.InstrumentStorage(cfg.Engine),
		authEngine: authEngine,
		metrics:    metrics,
	}, nil
}

// Addr returns the listen address for the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.Config.Port)
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// writeError writes a short plain text error body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}

// writeInternalError hides the cause from the client. Callers log it.
func writeInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
