package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

// Scheduler runs named jobs on cron specs (with seconds, UTC).
// A job never overlaps with itself; a tick that finds it running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewScheduler builds a stopped scheduler. timeout bounds a single run; zero means none.
func NewScheduler(timeout time.Duration, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithSeconds()),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
}

// AddJob registers fn on a cron schedule. An empty schedule disables the job.
func (s *Scheduler) AddJob(name, schedule string, fn JobFunc) error {
	if schedule == "" {
		s.logger.Info().Str("job", name).Msg("job disabled")
		return nil
	}

	var running atomic.Bool
	_, err := s.cron.AddFunc(schedule, func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Warn().Str("job", name).Msg("previous run still active, skipping")
			return
		}
		defer running.Store(false)
		s.run(name, fn)
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("job registered")
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Dur("took", time.Since(started)).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", name).Dur("took", time.Since(started)).Msg("job finished")
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}
