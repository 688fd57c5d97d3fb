// Package httpapi exposes the kernel over REST plus a websocket event
// stream.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kinnon13/yalls-foundry/internal/config"
	"github.com/kinnon13/yalls-foundry/pkg/logger"
)

// Server manages the HTTP listener lifecycle.
type Server struct {
	cfg    config.ServerConfig
	log    *logger.Logger
	server *http.Server
}

// NewServer wraps a handler in an http.Server configured from cfg.
func NewServer(cfg config.ServerConfig, log *logger.Logger, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
			IdleTimeout:  time.Duration(cfg.IdleTimeoutSec) * time.Second,
		},
	}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
