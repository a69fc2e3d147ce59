package scheduler

import (
	"fmt"
	"log/slog"

	"anidex/internal/admission"

	"github.com/robfig/cron/v3"
)

// Scheduler drives periodic maintenance jobs. Currently that is only the
// key cache refresh; the monthly quota reset is deliberately lazy and
// happens inline during accounting, never here.
type Scheduler struct {
	cache  *admission.KeyCache
	c      *cron.Cron
	logger *slog.Logger
}

func NewScheduler(cache *admission.KeyCache, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cache:  cache,
		c:      cron.New(),
		logger: logger.With("component", "scheduler"),
	}
}

// Start registers the cache refresh job with the given cron spec, e.g.
// "@every 5m".
func (s *Scheduler) Start(refreshSpec string) error {
	_, err := s.c.AddFunc(refreshSpec, func() {
		if err := s.cache.Refresh(); err != nil {
			s.logger.Error("Scheduled key cache refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cache refresh %q: %w", refreshSpec, err)
	}
	s.c.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.c.Stop()
}
