// Package server exposes the lifecycle engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sentinel-sh/sentinel/internal/auth"
	"github.com/sentinel-sh/sentinel/internal/config"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
	"github.com/sentinel-sh/sentinel/internal/metrics"
	"github.com/sentinel-sh/sentinel/internal/ratelimit"
	"github.com/sentinel-sh/sentinel/internal/telemetry"
)

// Deps are the collaborators the server routes to. Limiter, Metrics and
// Validator may be nil.
type Deps struct {
	Engine    *lifecycle.Engine
	Validator *auth.Validator
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
	Version   string
}

// Server is the sentinel HTTP API server.
type Server struct {
	cfg     *config.Config
	engine  *lifecycle.Engine
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	version string
	logger  *slog.Logger
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

// New wires routes and middleware. It does not bind a port.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  deps.Engine,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		version: deps.Version,
		logger:  logger,
	}
	if s.version == "" {
		s.version = "dev"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /v1/requests/{id}", s.handlePoll)
	mux.HandleFunc("GET /v1/requests", s.admin(s.handleList))
	mux.HandleFunc("POST /v1/requests/{id}/approve", s.admin(s.handleApprove))
	mux.HandleFunc("POST /v1/requests/{id}/deny", s.admin(s.handleDeny))
	mux.HandleFunc("POST /v1/requests/{id}/revoke", s.admin(s.handleRevoke))
	mux.HandleFunc("GET /v1/requests/{id}/audit", s.admin(s.handleHistory))
	mux.HandleFunc("GET /v1/audit", s.admin(s.handleSearchAudit))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": s.version,
		})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	var h http.Handler = mux
	h = securityHeaders(h)
	h = logging(logger, s.metrics)(h)
	h = authenticate(deps.Validator)(h)
	h = recovery(logger)(h)
	h = requestID(h)
	if cfg.Telemetry.Enabled {
		h = telemetry.HTTPMiddleware(cfg.Telemetry.ServiceName)(h)
	}
	s.handler = h
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address. Port 0 picks a free port.
func (s *Server) Listen() error {
	bind := s.cfg.Server.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, port, err := listen(bind, s.cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("binding port: %w", err)
	}
	s.cfg.Server.Port = port
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int { return s.cfg.Server.Port }

// Serve blocks until the server is shut down. Listen must be called first.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server is not listening")
	}
	s.logger.Info("sentinel server starting",
		"addr", s.ln.Addr().String(),
		"store", s.cfg.Store.Driver,
		"max_ttl_s", s.engine.MaxTTLSeconds(),
	)
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// listen binds the configured port. Clients are pinned to it, so a busy
// port is an error rather than a reason to pick another.
func listen(bind string, port int) (net.Listener, int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(port)))
	if err != nil {
		if isAddrInUse(err) {
			return nil, 0, fmt.Errorf("port %d is already in use on %s; stop the other process or set server.port / --port", port, bind)
		}
		return nil, 0, err
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.EADDRINUSE)
}
