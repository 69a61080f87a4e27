package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reportlens/reportlens/internal/assistant"
	"github.com/reportlens/reportlens/internal/auth"
	"github.com/reportlens/reportlens/pkg/config"
	"github.com/reportlens/reportlens/pkg/llm"
	"github.com/reportlens/reportlens/pkg/memory"
	"github.com/reportlens/reportlens/pkg/session"
	"github.com/reportlens/reportlens/pkg/storage"
)

// app holds the components shared by the serve and chat commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   session.StorageBackend
	manager   *session.Manager
	memory    *memory.ConversationMemory
	store     *storage.S3Store
	assistant *assistant.Assistant
}

func openBackend(ctx context.Context, cfg *config.Config) (session.StorageBackend, error) {
	backend, err := session.NewBackend(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", cfg.Session.Store, err)
	}
	return session.Instrument(backend), nil
}

func newManager(backend session.StorageBackend, cfg *config.Config, logger *slog.Logger) *session.Manager {
	return session.NewManager(backend,
		session.WithMaxConcurrentFetches(cfg.Session.MaxConcurrentFetches),
		session.WithLogger(logger),
	)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, backend: backend}

	provider, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create llm provider: %w", err)
	}

	client, presigner, err := storage.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	a.store, err = storage.NewS3Store(client, presigner, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.manager = newManager(backend, cfg, logger)
	a.memory = memory.New(memory.Config{
		MaxSessions:     cfg.Memory.MaxSessions,
		MaxTurns:        cfg.Memory.MaxTurns,
		IdleTTL:         cfg.MemoryIdleTTL(),
		JanitorInterval: memory.DefaultConfig().JanitorInterval,
	})

	acfg := assistant.DefaultConfig()
	acfg.Model = cfg.LLM.Model
	acfg.PresignTTL = 0 // the store applies storage.presign_ttl
	a.assistant = assistant.New(llm.NewInstrumentedProvider(provider), a.manager, a.memory, a.store, acfg, logger)
	return a, nil
}

func (a *app) Close() error {
	if a.memory != nil {
		a.memory.Close()
	}
	var errs []error
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newTokenProvider(cfg *config.Config) (*auth.TokenProvider, error) {
	return auth.NewTokenProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.TokenTTL())
}
