// Package server assembles the HTTP facade: the gin engine with its
// middleware chain, every route registration, and the http.Server
// lifecycle around them.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dev.sprung.conductor/internal/config"
	"dev.sprung.conductor/internal/conversation"
	"dev.sprung.conductor/internal/llm"
	"dev.sprung.conductor/internal/middleware"
	"dev.sprung.conductor/internal/observability"
	"dev.sprung.conductor/internal/orchestrator"
	"dev.sprung.conductor/internal/registry"
)

// Deps carries everything the HTTP layer serves. Config and
// Orchestrator are required; a nil Metrics or Logger gets a default.
type Deps struct {
	Config        *config.Config
	Orchestrator  *orchestrator.Orchestrator
	Conversations *conversation.Manager
	Registry      *registry.Registry
	Client        *llm.Client
	Metrics       *observability.Collector
	Logger        *logrus.Logger
}

// Server wraps the gin engine in an http.Server lifecycle.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	cfg     config.ServerConfig
	limiter *middleware.RateLimiter
	log     *logrus.Logger

	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	boundAddr  string
	requestCnt int64
}

// Option customizes server construction.
type Option func(*Server)

// WithGinMode sets the gin mode before the engine is built
// (gin.DebugMode, gin.ReleaseMode or gin.TestMode).
func WithGinMode(mode string) Option {
	return func(s *Server) {
		gin.SetMode(mode)
	}
}

// New builds the server, wiring the full middleware chain and every
// route. The returned server owns the rate limiter's cleanup goroutine;
// call Shutdown to release it even if Start was never called.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("server requires a config")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("server requires an orchestrator")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewCollector(nil)
	}

	s := &Server{
		cfg: deps.Config.Server,
		log: deps.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.limiter = middleware.NewRateLimiterWithConfig(&middleware.RateLimitConfig{
		Requests: deps.Config.RateLimit.Requests,
		Window:   deps.Config.RateLimit.Window,
		KeyFunc:  middleware.ByAPIKey,
	})

	engine, err := s.buildEngine(deps)
	if err != nil {
		s.limiter.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Start binds the configured address and begins serving. Bind errors
// are returned synchronously; the accept loop runs in a background
// goroutine and Start returns immediately after it is launched.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.server = s.newHTTPServer()
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	s.running = true
	s.startedAt = time.Now()
	s.boundAddr = ln.Addr().String()
	s.log.WithField("addr", s.boundAddr).Info("HTTP server listening")
	return nil
}

// StartTLS binds the configured address and begins serving with TLS.
func (s *Server) StartTLS(certFile, keyFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.server = s.newHTTPServer()
	go func() {
		if err := s.server.ServeTLS(ln, certFile, keyFile); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTPS server error")
		}
	}()

	s.running = true
	s.startedAt = time.Now()
	s.boundAddr = ln.Addr().String()
	s.log.WithField("addr", s.boundAddr).Info("HTTPS server listening")
	return nil
}

func (s *Server) newHTTPServer() *http.Server {
	// WriteTimeout must stay generous: SSE and websocket responses hold
	// the connection open for the whole generation.
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
}

// Shutdown drains in-flight requests and releases background resources.
// Safe to call when the server never started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.log.Info("Shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// IsRunning reports whether the listener has been started.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listen address, useful when the configured
// address used port 0. Empty until Start succeeds.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

// Stats reports lifecycle counters.
type Stats struct {
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	Requests  int64         `json:"requests"`
}

// Stats returns a snapshot of the server's lifecycle counters.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Running:   s.running,
		StartedAt: s.startedAt,
		Requests:  s.requestCnt,
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// ServeHTTP makes the server usable as a plain http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.engine.ServeHTTP(w, req)
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.requestCnt++
		s.mu.Unlock()
		c.Next()
	}
}
