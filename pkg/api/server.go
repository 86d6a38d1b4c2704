package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Server is the lifecycle surface the daemon drives.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the saga query API.
type HTTPServer struct {
	cfg     config.HTTPConfig
	server  *http.Server
	handler http.Handler
	logger  logger.Logger

	mu sync.Mutex
	ln net.Listener
}

var _ Server = (*HTTPServer)(nil)

// NewHTTPServer builds the server from config. Nothing listens until Start or Serve.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	handler := NewRouter(cfg, log, handlers)
	httpCfg := cfg.Server.HTTP
	s := &HTTPServer{
		cfg:     httpCfg,
		handler: handler,
		logger:  log.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           handler,
		ReadTimeout:       httpCfg.ReadTimeout,
		ReadHeaderTimeout: httpCfg.ReadTimeout,
		WriteTimeout:      httpCfg.WriteTimeout,
		IdleTimeout:       httpCfg.IdleTimeout,
		MaxHeaderBytes:    httpCfg.MaxHeaderBytes,
		ErrorLog:          newErrorLog(s.logger),
	}
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. A clean Shutdown returns nil.
func (s *HTTPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"read_timeout", s.cfg.ReadTimeout,
		"write_timeout", s.cfg.WriteTimeout,
	)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.logger.Error("HTTP server stopped unexpectedly", "error", err)
	return fmt.Errorf("serve http: %w", err)
}

// Addr returns the bound address once serving, else the configured one.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.server.Addr
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server draining")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// errorLogWriter routes net/http's internal error log into the structured logger.
type errorLogWriter struct {
	logger logger.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http server error", "detail", string(bytes.TrimSpace(p)))
	return len(p), nil
}

func newErrorLog(l logger.Logger) *log.Logger {
	return log.New(errorLogWriter{logger: l}, "", 0)
}
