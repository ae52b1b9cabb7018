package sweep

import (
	"context"
	"log/slog"
	"time"
)

// Runs all registered sweeps on a fixed interval until the context is
// cancelled. Blocks; run it in a goroutine (or errgroup).
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.With("system", "sweep-scheduler"),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("sweep scheduler starting", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep scheduler shutting down")
			return nil
		case <-ticker.C:
			if _, err := s.engine.RunAll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// individual sweep failures don't stop the schedule
				s.logger.Error("sweep run failed", "err", err)
			}
		}
	}
}
