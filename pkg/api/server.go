package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/goclaw/mnemo/config"
	"github.com/goclaw/mnemo/pkg/logger"
)

// HTTPServer serves the API router. Listen binds the port so a bad
// address fails at startup; Serve then blocks until Shutdown.
type HTTPServer struct {
	http   *http.Server
	log    logger.Logger
	closer interface{ Close() }

	mu sync.Mutex
	ln net.Listener
}

// NewHTTPServer builds the router and the server around it. The stream
// handler, when present, is closed at the start of Shutdown so websocket
// clients do not hold the drain open.
func NewHTTPServer(cfg *config.Config, log logger.Logger, h *Handlers) *HTTPServer {
	hc := cfg.Server.HTTP
	s := &HTTPServer{
		http: &http.Server{
			Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:        NewRouter(cfg, log, h),
			ReadTimeout:    hc.ReadTimeout,
			WriteTimeout:   hc.WriteTimeout,
			IdleTimeout:    hc.IdleTimeout,
			MaxHeaderBytes: hc.MaxHeaderBytes,
		},
		log: log,
	}
	if h.Stream != nil {
		s.closer = h.Stream
	}
	return s
}

// Listen binds the configured address. Calling it twice is a no-op.
func (s *HTTPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.ln = ln
	return nil
}

// Serve handles requests until Shutdown, binding first if Listen was not
// called. A clean shutdown returns nil.
func (s *HTTPServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	s.log.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Addr is the bound address after Listen and the configured one before.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.http.Addr
}

// Shutdown disconnects stream clients, stops accepting connections and
// waits for in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.closer != nil {
		s.closer.Close()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
