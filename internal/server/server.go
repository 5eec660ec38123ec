// Package server exposes execution control over HTTP and streams execution
// events over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/server/handler"
	"github.com/alanyoungcy/touchexec/internal/server/middleware"
	"github.com/alanyoungcy/touchexec/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is the per-client request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Executions *handler.ExecutionHandler
	Positions  *handler.PositionHandler
	Book       *handler.BookHandler
	Archive    *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain. limiter
// may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, handlers, hub, limiter, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if e := h.Executions; e != nil {
		mux.HandleFunc("POST /api/executions", e.Start)
		mux.HandleFunc("GET /api/executions", e.List)
		mux.HandleFunc("GET /api/executions/{id}", e.Get)
		mux.HandleFunc("GET /api/executions/{id}/report", e.Report)
		mux.HandleFunc("POST /api/executions/{id}/pause", e.Pause)
		mux.HandleFunc("POST /api/executions/{id}/resume", e.Resume)
		mux.HandleFunc("POST /api/executions/{id}/stop", e.Stop)
	}
	if h.Positions != nil {
		mux.HandleFunc("GET /api/positions", h.Positions.List)
	}
	if h.Book != nil {
		mux.HandleFunc("GET /api/book/{symbol}", h.Book.Get)
	}
	if h.Archive != nil {
		mux.HandleFunc("GET /api/archive", h.Archive.List)
		mux.HandleFunc("GET /api/archive/report", h.Archive.Get)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var root http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		root = middleware.RateLimit(limiter, cfg.RateLimit, window)(root)
	}
	root = middleware.Auth(cfg.APIKey, "/api/health")(root)
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)
	return root
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
