package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/rendis/agentchain/internal/store"
)

// DefaultVacuumSchedule runs store maintenance once a day.
const DefaultVacuumSchedule = "@daily"

// Job is a named piece of maintenance run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// VacuumJob reclaims space and refreshes planner statistics in st.
func VacuumJob(st store.Store, schedule string) Job {
	return Job{Name: "vacuum", Schedule: schedule, Run: st.Vacuum}
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
}

// Scheduler runs maintenance jobs on their cron schedules. Jobs run one at a
// time on the scheduler goroutine, so a slow job delays the others rather
// than overlapping with itself.
type Scheduler struct {
	parser cron.Parser
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries []*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a Scheduler. Schedules accept five-field cron
// expressions and descriptors such as @daily or @every 1h.
func NewScheduler(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:  clk,
		logger: logger,
	}
}

// Add registers job. A job with an empty schedule is disabled and ignored.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		s.logger.Info("maintenance job disabled", slog.String("job", job.Name))
		return nil
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.entries = append(s.entries, &entry{job: job, schedule: sched})
	return nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	now := s.clock.Now()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.entries)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	for {
		wait, ok := s.untilNext(s.clock.Now())
		if !ok {
			<-ctx.Done()
			return
		}
		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			s.tick(ctx, s.clock.Now())
		}
	}
}

// untilNext returns the delay until the earliest due job.
func (s *Scheduler) untilNext(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, false
	}
	earliest := s.entries[0].next
	for _, e := range s.entries[1:] {
		if e.next.Before(earliest) {
			earliest = e.next
		}
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// tick runs every job due at now and schedules its next run. It returns
// the number of jobs run.
func (s *Scheduler) tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runJob(ctx, e.job)
	}
	return len(due)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance job panicked", slog.String("job", job.Name), slog.Any("panic", r))
		}
	}()

	start := s.clock.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("maintenance job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("maintenance job finished",
		slog.String("job", job.Name),
		slog.Duration("elapsed", s.clock.Since(start)),
	)
}

// CalculateNextRun computes the next run time for a schedule.
func (s *Scheduler) CalculateNextRun(schedule string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return sched.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
