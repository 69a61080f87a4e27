// Package server exposes the assistant over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/reportlens/reportlens/internal/assistant"
	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/internal/policy"
	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	RequestTimeout time.Duration
	// ServeObservability mounts /health on the API listener, and /metrics
	// too when ServeMetrics is set.
	ServeObservability bool
	// ServeMetrics must only be set once observability.InitMetrics has run.
	ServeMetrics bool
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Assistant *assistant.Assistant
	Manager   *session.Manager
	Auth      *auth.Authenticator
	Policy    *policy.Engine
	Limiter   *security.RateLimiter
	Health    *observability.HealthChecker
	Logger    *slog.Logger
}

// Server is the public API server.
type Server struct {
	echo      *echo.Echo
	assistant *assistant.Assistant
	manager   *session.Manager
	auth      *auth.Authenticator
	policy    *policy.Engine
	limiter   *security.RateLimiter
	health    *observability.HealthChecker
	logger    *slog.Logger
	opts      Options
}

// New builds the server and registers its routes.
func New(deps Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		assistant: deps.Assistant,
		manager:   deps.Manager,
		auth:      deps.Auth,
		policy:    deps.Policy,
		limiter:   deps.Limiter,
		health:    deps.Health,
		logger:    logger.With("component", "http"),
		opts:      opts,
	}

	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.Use(recordMetrics)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))
	// Multipart overhead on top of the file itself.
	e.Use(middleware.BodyLimit(formatBytes(opts.MaxUploadBytes + 1<<20)))
	if opts.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: opts.RequestTimeout,
		}))
	}

	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes registers all routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/hello", s.Hello)
	if s.opts.ServeObservability && s.health != nil {
		obs := echo.WrapHandler(observability.NewServer("", s.health).WithMetrics(s.opts.ServeMetrics).Handler())
		e.GET("/health", obs)
		if s.opts.ServeMetrics {
			e.GET("/metrics", obs)
		}
	}

	e.GET("/auth/status", s.AuthStatus, s.auth.Optional())
	e.POST("/api/auth/logout", s.Logout, s.auth.Required())

	protected := []echo.MiddlewareFunc{s.auth.Required(), s.rateLimit}
	e.POST("/create-session", s.CreateSession, protected...)
	e.GET("/chat-history/:sessionId", s.GetChatHistory, protected...)
	e.GET("/c/history", s.GetUserHistory, protected...)
	e.POST("/upload-image", s.UploadImage, protected...)
	e.POST("/upload-pdf", s.UploadPDF, protected...)
	e.POST("/ask-llm", s.AskLLM, protected...)
	e.POST("/analyze-symptoms", s.AnalyzeSymptoms, protected...)
	e.POST("/recommendation", s.Recommendation, protected...)
	e.POST("/recovery-plan", s.RecoveryPlan, protected...)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second
	s.echo.Server.IdleTimeout = 120 * time.Second
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
