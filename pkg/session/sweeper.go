package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reportlens/reportlens/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically prunes expired index entries from a backend.
type Sweeper struct {
	pruner  Pruner
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

// NewSweeper schedules pruner on a cron expression such as "@every 10m".
func NewSweeper(pruner Pruner, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		pruner:  pruner,
		cron:    cron.New(),
		timeout: time.Minute,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.pruner.Prune(ctx)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err, "pruned", n)
		return
	}
	if n > 0 {
		observability.RecordIndexPruned(n)
		s.logger.Info("session sweep complete", "pruned", n)
	}
}
