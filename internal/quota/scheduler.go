package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	rolloverLockKey = "usagegate:lock:rollover"
	rolloverLockTTL = 10 * time.Minute
)

// Locker is a cross-instance mutual exclusion lease.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Scheduler runs rollover on a cron schedule (UTC). With a Locker only one
// instance runs each tick; without one, overlapping runs are harmless.
type Scheduler struct {
	roller   *Roller
	schedule string
	locker   Locker
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a rollover scheduler. locker may be nil.
func NewScheduler(roller *Roller, schedule string, locker Locker) *Scheduler {
	return &Scheduler{
		roller:   roller,
		schedule: schedule,
		locker:   locker,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   slog.Default().With("component", "quota.scheduler"),
	}
}

// Start validates the schedule and begins running rollover. It stops when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid rollover schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled rollover failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling rollover: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("rollover scheduler started", "schedule", s.schedule, "locked", s.locker != nil)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce performs one rollover. ran is false when another instance holds
// the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (result RolloverResult, ran bool, err error) {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, rolloverLockKey, rolloverLockTTL)
		if err != nil {
			s.logger.Warn("rollover lock unavailable, running unlocked", "error", err)
		} else if !ok {
			s.logger.Info("rollover already running elsewhere, skipping")
			return RolloverResult{}, false, nil
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), rolloverLockKey, token); err != nil {
					s.logger.Warn("releasing rollover lock", "error", err)
				}
			}()
		}
	}

	s.logger.Info("starting scheduled rollover")
	result, err = s.roller.Rollover(ctx)
	if err != nil {
		return result, true, err
	}
	s.logger.Info("scheduled rollover completed", "archived_services", result.ArchivedServices)
	return result, true, nil
}

// Stop stops the scheduler and waits for a running rollover to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("rollover scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled rollover time.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
