// Package apiserver serves the introspection endpoints: Prometheus metrics,
// health, profile state and bound lookup names.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/logging"
	"github.com/moolen/nosql/internal/naming"
	"github.com/prometheus/client_golang/prometheus"
)

// ProfileSource exposes the running profiles. It is implemented by subsystem.Manager.
type ProfileSource interface {
	Profiles() []connection.Info
	Connection(profile string) (*connection.Service, bool)
	Healthy() bool
}

// Server handles the introspection HTTP API.
type Server struct {
	addr     string
	profiles ProfileSource
	store    *naming.Store
	gatherer prometheus.Gatherer
	router   *http.ServeMux
	logger   *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server listening on addr once started. store and gatherer may be nil.
func New(addr string, profiles ProfileSource, store *naming.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		profiles: profiles,
		store:    store,
		gatherer: gatherer,
		router:   http.NewServeMux(),
		logger:   logging.GetLogger("apiserver"),
	}
	s.registerHandlers()
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.router)
}

// Start implements lifecycle.Component. The listener is bound before Start
// returns so address errors fail startup.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.server, s.listener = srv, listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error: %v", err)
		}
	}()

	s.logger.Info("API server listening on %s", listener.Addr())
	return nil
}

// Stop implements lifecycle.Component.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error: %v", err)
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "apiserver"
}
