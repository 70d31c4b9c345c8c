// Package server hosts the HTTP and websocket surface and owns shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ncobase/jobwatch/config"
	"github.com/ncobase/jobwatch/logging/logger"
	"github.com/ncobase/jobwatch/net/resp"
	"github.com/ncobase/jobwatch/version"
)

const shutdownTimeout = 10 * time.Second

// RouteRegistrar mounts routes on the engine.
type RouteRegistrar interface {
	RegisterRoutes(r gin.IRouter)
}

// StatsFunc reports one section of GET /stats.
type StatsFunc func(ctx context.Context) (any, error)

type stat struct {
	name string
	fn   StatsFunc
}

// Server is the HTTP front of jobwatch.
type Server struct {
	cfg    *config.Config
	logger *logger.Logger
	engine *gin.Engine
	http   *http.Server

	routes   []RouteRegistrar
	ws       gin.HandlerFunc
	stats    []stat
	shutdown []func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithRoutes mounts r.
func WithRoutes(r RouteRegistrar) Option {
	return func(s *Server) { s.routes = append(s.routes, r) }
}

// WithWebsocket serves h on GET /ws.
func WithWebsocket(h gin.HandlerFunc) Option {
	return func(s *Server) { s.ws = h }
}

// WithStats adds a named section to GET /stats.
func WithStats(name string, fn StatsFunc) Option {
	return func(s *Server) { s.stats = append(s.stats, stat{name, fn}) }
}

// OnShutdown runs fn after the HTTP server stopped, in registration order.
func OnShutdown(fn func(context.Context) error) Option {
	return func(s *Server) { s.shutdown = append(s.shutdown, fn) }
}

// New creates a Server.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if log == nil {
		return nil, errors.New("logger is nil")
	}

	s := &Server{cfg: cfg, logger: log}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.setupRouter()
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.RunMode != "" {
		gin.SetMode(s.cfg.RunMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(traceMiddleware())
	r.Use(s.loggerMiddleware())
	r.Use(corsMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	if s.ws != nil {
		r.GET("/ws", s.ws)
	}
	for _, rr := range s.routes {
		rr.RegisterRoutes(r)
	}
	return r
}

// Run serves until ctx is done, then drains requests for up to ten seconds
// and runs the shutdown hooks.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("serve %s: %w", s.http.Addr, err)
		}
	}

	s.logger.Info(context.Background(), "Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error(shutdownCtx, "Server forced to shutdown", "error", err)
	}
	for _, fn := range s.shutdown {
		if err := fn(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, "Shutdown hook failed", "error", err)
		}
	}

	s.logger.Info(context.Background(), "Server exited")
	return serveErr
}

func (s *Server) handleHealth(c *gin.Context) {
	resp.Success(c.Writer, map[string]string{
		"status":  "healthy",
		"version": version.GetVersionInfo().Version,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	out := make(map[string]any, len(s.stats))
	for _, st := range s.stats {
		v, err := st.fn(c.Request.Context())
		if err != nil {
			s.logger.Warn(c.Request.Context(), "Failed to collect stats", "section", st.name, "error", err)
			out[st.name] = map[string]string{"error": err.Error()}
			continue
		}
		out[st.name] = v
	}
	resp.Success(c.Writer, out)
}
