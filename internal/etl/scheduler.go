package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler runs the pipeline on a fixed cron schedule until the context
// is cancelled.
type Scheduler struct {
	schedule string
	log      *slog.Logger
}

// NewScheduler creates a scheduler with a cron expression (five fields).
func NewScheduler(schedule string) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		log:      slog.With("component", "scheduler"),
	}
}

// Start blocks, executing the job per schedule, until ctx is cancelled.
// Job errors are logged; the schedule keeps running.
func (s *Scheduler) Start(ctx context.Context, job func(context.Context) error) error {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	_, err := scheduler.Cron(s.schedule).Do(func() {
		s.log.Info("scheduled sync starting", "schedule", s.schedule)
		if err := job(ctx); err != nil {
			s.log.Error("scheduled sync failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.log.Info("scheduler started", "schedule", s.schedule)
	scheduler.StartAsync()

	<-ctx.Done()
	scheduler.Stop()
	s.log.Info("scheduler stopped")
	return nil
}
