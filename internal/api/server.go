package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/pkg/logger"
)

// Server is the relay HTTP API.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer wires the router for d and binds it to the configured address.
// Deps without AllowedOrigins fall back to the server config.
func NewServer(cfg config.ServerConfig, d Deps) *Server {
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = cfg.AllowedOrigins
	}
	addr := fmt.Sprintf("%s:%d", cfg.GetHost(), cfg.Port)
	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           SetupRoutes(d),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Listen binds the configured address. Binding before Serve lets the
// process fail fast when the port is taken.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve handles requests on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	logger.Info("relay api listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
