package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultWakeInterval = 15 * time.Minute
	DefaultCycleBudget  = 30 * time.Second

	tagWakeCycle = "wake_cycle"
	tagEarlyWake = "early_wake"
)

// SchedulerService drives wake cycles: a periodic gocron job plus a one-time
// job whenever a task becomes eligible before the next periodic wake.
type SchedulerService struct {
	Fetch      *FetchService
	Scheduler  gocron.Scheduler
	Interval   time.Duration
	Budget     time.Duration
	clock      clockwork.Clock
	appContext context.Context
}

func NewSchedulerService(ctx context.Context, fetch *FetchService, interval, budget time.Duration) (*SchedulerService, error) {
	if interval <= 0 {
		interval = DefaultWakeInterval
	}
	if budget <= 0 {
		budget = DefaultCycleBudget
	}
	clock := fetch.clock()
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &SchedulerService{
		Fetch:      fetch,
		Scheduler:  s,
		Interval:   interval,
		Budget:     budget,
		clock:      clock,
		appContext: ctx,
	}, nil
}

// Start schedules the periodic wake job, starting with an immediate wake.
func (s *SchedulerService) Start() error {
	hlog.Info("SchedulerService starting...")
	s.Scheduler.RemoveByTags(tagWakeCycle)
	job, err := s.Scheduler.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(s.executeWake),
		gocron.WithName("periodic_wake"),
		gocron.WithTags(tagWakeCycle),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule periodic wake every %s: %w", s.Interval, err)
	}
	s.Scheduler.Start()
	hlog.Infof("SchedulerService started. Wake every %s with a %s budget, gocron Job ID: %s", s.Interval, s.Budget, job.ID())
	return nil
}

// Stop shuts the gocron scheduler down, waiting for a running cycle, and
// flushes all records.
func (s *SchedulerService) Stop() {
	hlog.Info("SchedulerService stopping...")
	if err := s.Scheduler.Shutdown(); err != nil {
		hlog.Errorf("Error shutting down gocron scheduler: %v", err)
	} else {
		hlog.Info("Gocron scheduler shut down successfully.")
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(s.appContext), 10*time.Second)
	defer cancel()
	if err := s.Fetch.Shutdown(flushCtx); err != nil {
		hlog.Warnf("SchedulerService: final flush failed: %v", err)
	}
}

func (s *SchedulerService) executeWake() {
	if s.appContext.Err() != nil {
		return
	}
	report, err := s.Fetch.Wake(s.appContext, s.Budget)
	if err != nil {
		hlog.Warnf("SchedulerService: wake skipped: %v", err)
		return
	}
	hlog.Debugf("SchedulerService: wake finished in %s", report.FinishedAt.Sub(report.StartedAt))
	if err := s.ScheduleNextWake(); err != nil {
		hlog.Warnf("SchedulerService: %v", err)
	}
}

// ScheduleNextWake adds a one-time wake at the earliest eligibility time when
// that comes before the next periodic wake.
func (s *SchedulerService) ScheduleNextWake() error {
	next, ok := s.Fetch.Scheduler.NextWake()
	if !ok {
		return nil
	}
	now := s.clock.Now()
	if !next.After(now) || !next.Before(now.Add(s.Interval)) {
		return nil
	}
	return s.ScheduleWakeAt(next)
}

// ScheduleWakeAt replaces any pending early wake with one at `at`.
func (s *SchedulerService) ScheduleWakeAt(at time.Time) error {
	if !at.After(s.clock.Now()) {
		return fmt.Errorf("wake time %v is in the past, cannot schedule", at)
	}
	s.Scheduler.RemoveByTags(tagEarlyWake)

	job, err := s.Scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at.UTC())),
		gocron.NewTask(s.executeWake),
		gocron.WithName("early_wake"),
		gocron.WithTags(tagEarlyWake),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule wake at %v: %w", at, err)
	}
	nextRun, errNextRun := job.NextRun()
	if errNextRun != nil {
		hlog.Infof("Scheduled early wake at %v. gocron Job ID: %s, Next Run: (error: %v)", at, job.ID(), errNextRun)
	} else {
		hlog.Infof("Scheduled early wake at %v. gocron Job ID: %s, Next Run: %s", at, job.ID(), nextRun.Format(time.RFC3339))
	}
	return nil
}
