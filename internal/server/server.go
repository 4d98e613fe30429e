package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Kiremode/chatai-proxy/internal/config"
	"github.com/Kiremode/chatai-proxy/internal/logging"
	"github.com/Kiremode/chatai-proxy/pkg/backend"
	"github.com/Kiremode/chatai-proxy/pkg/router"
	"github.com/Kiremode/chatai-proxy/pkg/static"
)

// Server owns the listener and wires the router, proxy and health checker together.
type Server struct {
	cfg        *config.Config
	logger     logging.Logger
	liveness   *backend.Liveness
	checker    *backend.HealthChecker
	router     *router.Router
	handler    http.Handler
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer initializes a new Server with given configuration.
func NewServer(cfg *config.Config, logger logging.Logger) (*Server, error) {
	backendURL := cfg.Backend.URL()

	checker, err := backend.NewHealthChecker(backendURL, logger,
		backend.WithHealthPath(cfg.Backend.HealthPath),
		backend.WithHealthTimeout(cfg.Backend.ProbeTimeout),
		backend.WithHealthInterval(cfg.Backend.ProbeInterval),
	)
	if err != nil {
		logger.Error("Failed to initialize health checker", "error", err)
		return nil, fmt.Errorf("failed to initialize health checker: %w", err)
	}

	liveness := backend.NewLiveness(false)

	proxy, err := backend.NewProxy(backendURL, checker, liveness,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithSensitiveMarker(cfg.Backend.SensitiveMarker),
		backend.WithMaxBodyBytes(cfg.Backend.MaxBodyBytes),
		backend.WithProxyLogger(logger),
	)
	if err != nil {
		logger.Error("Failed to initialize backend proxy", "error", err)
		return nil, fmt.Errorf("failed to initialize backend proxy: %w", err)
	}

	store := static.NewDir(cfg.Static.Root,
		static.WithMIMETypes(cfg.Static.MIMETypes),
		static.WithDefaultMIME(cfg.Static.DefaultMIME),
	)

	rt := router.New(store, proxy,
		router.WithPrefixes(cfg.ProxyPrefixes...),
		router.WithIndex(cfg.Static.Index),
		router.WithCORSHeaders(cfg.CORSHeaders),
		router.WithLogger(logger),
	)

	// Compose middlewares: cors → logging → request id → concurrency limit → router
	handler := router.CORS(cfg.CORSHeaders,
		loggingMiddleware(logger,
			requestIDMiddleware(
				limitMiddleware(logger, cfg.MaxConcurrent, rt))))

	srv := &http.Server{
		Addr:                         ":" + cfg.HTTPPort,
		Handler:                      handler,
		ReadHeaderTimeout:            10 * time.Second,
		IdleTimeout:                  60 * time.Second,
		DisableGeneralOptionsHandler: true,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		liveness:   liveness,
		checker:    checker,
		router:     rt,
		handler:    handler,
		httpServer: srv,
	}, nil
}

// Handler returns the composed request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Liveness returns the backend liveness state shared by the proxy and the health checker.
func (s *Server) Liveness() *backend.Liveness {
	return s.liveness
}

// Listen opens the listening socket. Run calls it when it has not been called yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// CheckBackend probes the backend once and seeds the liveness state.
// The result is informational; startup never fails on it.
func (s *Server) CheckBackend(ctx context.Context) bool {
	s.logger.Info("Checking backend availability", "backend", s.cfg.Backend.URL())
	alive := s.checker.Probe(ctx)
	s.liveness.SetAlive(alive)

	if alive {
		s.logger.Info("Backend server is available", "backend", s.cfg.Backend.URL())
	} else {
		s.logger.Warn("Backend server not responding - mock mode enabled", "backend", s.cfg.Backend.URL())
	}
	return alive
}

// start launches the HTTP server on the opened listener.
func (s *Server) start() <-chan error {
	errChan := make(chan error, 1)
	s.logger.Info("Starting HTTP server",
		"addr", s.Addr(),
		"backend", s.cfg.Backend.URL(),
		"static_root", s.cfg.Static.Root,
	)

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			errChan <- fmt.Errorf("HTTP server failed: %w", err)
		}
		close(errChan)
	}()

	return errChan
}

// Run seeds the liveness state, starts the HTTP server and gracefully shuts
// it down upon context cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.CheckBackend(ctx)

	if err := s.Listen(); err != nil {
		s.logger.Error("Failed to open listener", "error", err)
		return err
	}

	s.checker.Run(ctx, s.liveness)
	errChan := s.start()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("graceful shutdown failed", "error", err)
			return err
		}
		return ctx.Err()

	case err := <-errChan:
		s.checker.Stop()
		if err != nil {
			s.logger.Error("server error occurred", "error", err)
			return err
		}
		s.logger.Info("server exited cleanly")
		return nil
	}
}

// Shutdown gracefully stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", "addr", s.httpServer.Addr)

	s.checker.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed", "addr", s.httpServer.Addr, "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed", "addr", s.httpServer.Addr)
	return nil
}
