package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/internal/logging"
	"github.com/reportlens/reportlens/internal/policy"
	"github.com/reportlens/reportlens/internal/server"
	"github.com/reportlens/reportlens/pkg/config"
	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/reportlens/reportlens/pkg/security"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout    = 30 * time.Second
	limiterSweepPeriod = 5 * time.Minute
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	logger.Info("starting reportlens", "version", Version, "addr", cfg.Server.Addr, "store", cfg.Session.Store, "provider", cfg.LLM.Provider)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.Observability.Metrics {
		observability.InitMetrics()
	}
	if err := observability.InitTracing(ctx, cfg.Observability.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := observability.ShutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	tokens, err := newTokenProvider(cfg)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(ctx, "")
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	limiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	health := observability.NewHealthChecker(Version)
	health.RegisterCheck(observability.StoreCheck(a.backend.Ping))
	health.RegisterCheck(observability.ExternalServiceCheck("object_storage", a.store.Ping))
	health.RegisterCheck(observability.ExternalServiceCheck("llm", func(context.Context) error {
		if a.assistant.Breaker().State() == security.CircuitOpen {
			return security.ErrCircuitOpen
		}
		return nil
	}))

	if pruner, ok := a.backend.(session.Pruner); ok && cfg.Session.SweepSchedule != "" {
		sweeper, err := session.NewSweeper(pruner, cfg.Session.SweepSchedule, logging.Component(logger, "sweeper"))
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	go func() {
		ticker := time.NewTicker(limiterSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Sweep(); n > 0 {
					logger.Debug("rate limiter swept", "removed", n)
				}
			}
		}
	}()

	separateObs := cfg.Server.MetricsAddr != ""
	srv := server.New(server.Deps{
		Assistant: a.assistant,
		Manager:   a.manager,
		Auth:      auth.NewAuthenticator(tokens, cfg.Auth.CookieName).WithSecureCookie(cfg.Auth.CookieSecure),
		Policy:    engine,
		Limiter:   limiter,
		Health:    health,
		Logger:    logger,
	}, server.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxUploadBytes:     int64(cfg.Server.MaxUploadMB) << 20,
		RequestTimeout:     cfg.RequestTimeout(),
		ServeObservability: !separateObs,
		ServeMetrics:       cfg.Observability.Metrics,
	})

	errChan := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.Start(cfg.Server.Addr); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	var obsServer *observability.Server
	if separateObs {
		obsServer = observability.NewServer(cfg.Server.MetricsAddr, health).WithMetrics(cfg.Observability.Metrics)
		go func() {
			logger.Info("observability server listening", "addr", cfg.Server.MetricsAddr)
			if err := obsServer.Start(); err != nil {
				errChan <- fmt.Errorf("observability server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error("server failed", "error", runErr)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability server shutdown error", "error", err)
		}
	}

	logger.Info("reportlens stopped")
	return runErr
}
