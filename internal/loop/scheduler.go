package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const jobName = "loop-attempt"

// Scheduler triggers the controller on a fixed interval
type Scheduler struct {
	mu         sync.Mutex
	scheduler  gocron.Scheduler
	job        gocron.Job
	controller *Controller
	interval   time.Duration
	ctx        context.Context
	log        *zap.Logger
}

// NewScheduler creates a scheduler. Nothing runs until Run.
func NewScheduler(c *Controller, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler:  scheduler,
		controller: c,
		interval:   interval,
		ctx:        context.Background(),
		log:        log,
	}, nil
}

// Run registers the job, triggers once immediately and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to register loop job: %w", err)
	}
	s.job = job
	s.mu.Unlock()

	s.scheduler.Start()
	s.log.Info("loop scheduler started", zap.Duration("interval", s.interval))

	<-ctx.Done()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.log.Info("loop scheduler stopped")
	return nil
}

// SetInterval reschedules the job; used when settings are reloaded
func (s *Scheduler) SetInterval(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if interval == s.interval || interval <= 0 {
		return nil
	}
	s.interval = interval
	if s.job == nil {
		return nil
	}
	job, err := s.scheduler.Update(s.job.ID(),
		gocron.DurationJob(interval),
		gocron.NewTask(s.tick),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule loop job: %w", err)
	}
	s.job = job
	s.log.Info("loop interval changed", zap.Duration("interval", interval))
	return nil
}

// NextRun returns when the next attempt is due, or zero before Run
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil {
		return time.Time{}
	}
	next, err := job.NextRun()
	if err != nil {
		return time.Time{}
	}
	return next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.controller.Trigger(ctx)

	state := s.controller.State()
	s.log.Debug("loop attempt finished",
		zap.String("phase", string(state.LastPhase)),
		zap.String("last_error", state.LastErrorString()),
		zap.Time("next_run", s.NextRun()))
}
