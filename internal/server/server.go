package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/server/handler"
	"github.com/alanyoungcy/onramp/internal/server/middleware"
	"github.com/alanyoungcy/onramp/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RefundToken guards the refund automation routes.
	RefundToken string

	// Limiter applies the per-IP quota to public routes; nil disables it.
	Limiter  domain.RateLimiter
	IPLimit  int
	IPWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Webhook   *handler.WebhookHandler
	Refund    *handler.RefundHandler
	Positions *handler.PositionHandler
}

// Server is the HTTP + WebSocket front of the onramp pipeline.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on a ServeMux.
// Nil handlers leave their routes unregistered.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	limited := func(endpoint string, fn http.HandlerFunc) http.Handler {
		return middleware.RateLimit(cfg.Limiter, endpoint, cfg.IPLimit, cfg.IPWindow, logger)(fn)
	}

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	if handlers.Webhook != nil {
		mux.Handle("POST /webhooks/payments", limited("webhook", handlers.Webhook.HandlePayment))
	}

	if handlers.Refund != nil {
		auth := middleware.BearerAuth(cfg.RefundToken)
		mux.Handle("POST /refund-automation", auth(http.HandlerFunc(handlers.Refund.Run)))
		mux.Handle("GET /refund-automation", auth(http.HandlerFunc(handlers.Refund.Eligibility)))
	}

	if handlers.Positions != nil {
		mux.Handle("GET /api/positions", limited("api", handlers.Positions.ListPositions))
		mux.Handle("GET /api/positions/{id}", limited("api", handlers.Positions.GetPosition))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Webhook requests wait on chain confirmations.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
