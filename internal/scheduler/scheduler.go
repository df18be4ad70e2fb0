// Package scheduler runs background maintenance jobs on cron
// schedules: store maintenance, cache pruning and snapshot retention.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/events"
)

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs
type Scheduler struct {
	cron   *cron.Cron
	events *events.Manager
	log    zerolog.Logger
}

// New creates a new scheduler
func New(em *events.Manager, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		events: em,
		log:    log.With().Str("service", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job with a cron schedule (seconds field included).
// Schedule examples:
//   - "0 */5 * * * *"  - every 5 minutes
//   - "0 0 2 * * *"    - 02:00 daily
//   - "@every 30s"     - every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.run(job)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule
func (s *Scheduler) RunNow(job Job) error {
	return s.run(job)
}

func (s *Scheduler) run(job Job) error {
	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")
	s.events.EmitTyped("scheduler", &events.JobStatusData{
		JobID:   job.Name(),
		JobType: job.Name(),
		Status:  "started",
	})

	err := job.Run(context.Background())
	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		s.events.EmitTyped("scheduler", &events.JobStatusData{
			JobID:   job.Name(),
			JobType: job.Name(),
			Status:  "failed",
			Error:   err.Error(),
		})
		return err
	}

	s.log.Debug().
		Str("job", job.Name()).
		Dur("took", time.Since(start)).
		Msg("Job completed")
	s.events.EmitTyped("scheduler", &events.JobStatusData{
		JobID:   job.Name(),
		JobType: job.Name(),
		Status:  "completed",
	})
	return nil
}
