package registry

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// SweepInterval is the fixed tick at which liveness is reclassified. It
// must be small relative to StaleAfter/OfflineAfter so the 90s/300s
// boundaries are observed promptly.
const SweepInterval = "@every 5s"

// Sweeper drives Registry.SweepOnce on a fixed schedule using the same
// cron scheduling primitive the rest of the system uses for periodic work.
type Sweeper struct {
	registry *Registry
	logger   *slog.Logger

	cron *cronlib.Cron
}

// NewSweeper builds a Sweeper bound to registry.
func NewSweeper(registry *Registry, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		logger:   logger,
		cron:     cronlib.New(),
	}
}

// Start schedules the sweep and begins running it in the background. It
// returns once the first tick has been scheduled; use Stop to shut down.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(SweepInterval, func() {
		if err := s.registry.SweepOnce(ctx); err != nil {
			s.logger.Error("liveness sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("worker liveness sweeper started", "interval", SweepInterval)
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("worker liveness sweeper stopped")
}
