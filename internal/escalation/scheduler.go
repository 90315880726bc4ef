// Package escalation persists escalation timers and fires them on a cron
// scan. Schedules survive restarts because they live in the store, not in
// process timers.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/metrics"
)

// Schedule statuses. A schedule is written pending, and ends fired, cancelled
// or skipped exactly once.
const (
	SchedulePending   = "pending"
	ScheduleFired     = "fired"
	ScheduleCancelled = "cancelled"
	ScheduleSkipped   = "skipped"
)

// Schedule is one persisted escalation timer.
type Schedule struct {
	ID        string     `db:"id" json:"id"`
	AlertID   string     `db:"alert_id" json:"alert_id"`
	Level     int        `db:"level" json:"level"`
	Severity  string     `db:"severity" json:"severity"`
	Status    string     `db:"status" json:"status"`
	DueAt     time.Time  `db:"due_at" json:"due_at"`
	FiredAt   *time.Time `db:"fired_at" json:"fired_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Store is the schedule persistence seam. Upsert must replace an existing
// pending schedule for the same alert and level instead of stacking a second
// one.
type Store interface {
	Upsert(ctx context.Context, s *Schedule) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	Finish(ctx context.Context, id, status string, firedAt time.Time) error
	CancelByAlert(ctx context.Context, alertID string) error
}

// Escalator is the callback a due schedule fires into. The implementation
// re-checks live alert status, so a stale schedule surfaces as
// ErrInvalidTransition rather than a wrong escalation.
type Escalator interface {
	Escalate(ctx context.Context, alertID string) error
}

// Scheduler arms, cancels and fires escalation schedules.
type Scheduler struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     Store
	escalator Escalator
	metrics   *metrics.Metrics
	cron      *cron.Cron
	scanLimit int

	now func() time.Time
}

// New creates a scheduler. Call Start to begin scanning.
func New(cfg *config.Config, logger *slog.Logger, store Store, escalator Escalator, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		escalator: escalator,
		metrics:   m,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		scanLimit: 200,
		now:       time.Now,
	}
}

// Start registers the due-schedule scan and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Escalation.ScanSchedule, func() {
		if err := s.Scan(ctx); err != nil {
			s.logger.Error("Escalation scan failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register escalation scan: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Escalation scheduler started", "scan_schedule", s.cfg.Escalation.ScanSchedule)
	return nil
}

// Stop halts the cron loop and waits for a running scan to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Escalation scheduler stopped")
}

// Arm schedules the next escalation for an alert. The due time is the
// severity's configured delay from now; re-arming the same alert and level
// replaces the pending schedule.
func (s *Scheduler) Arm(ctx context.Context, alertID string, severity alert.Severity, level int) error {
	now := s.now().UTC()
	sched := &Schedule{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		Level:     level,
		Severity:  string(severity),
		Status:    SchedulePending,
		DueAt:     now.Add(s.cfg.EscalationDelay(string(severity))),
		CreatedAt: now,
	}

	if err := s.store.Upsert(ctx, sched); err != nil {
		return fmt.Errorf("failed to arm escalation: %w", err)
	}

	s.logger.Debug("Escalation armed",
		"alert_id", alertID,
		"level", level,
		"due_at", sched.DueAt)
	return nil
}

// Cancel drops all pending schedules for an alert.
func (s *Scheduler) Cancel(ctx context.Context, alertID string) error {
	if err := s.store.CancelByAlert(ctx, alertID); err != nil {
		return fmt.Errorf("failed to cancel escalation schedules: %w", err)
	}
	return nil
}

// Scan fires every pending schedule whose due time has passed. A schedule
// whose alert has been acknowledged or resolved in the meantime is marked
// skipped; the scan continues past individual failures.
func (s *Scheduler) Scan(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now, s.scanLimit)
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	err := s.escalator.Escalate(ctx, sched.AlertID)
	switch {
	case err == nil:
		if err := s.store.Finish(ctx, sched.ID, ScheduleFired, now); err != nil {
			s.logger.Error("Failed to mark schedule fired", "schedule_id", sched.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.IncEscalationFired()
		}
		s.logger.Info("Escalation fired",
			"alert_id", sched.AlertID,
			"level", sched.Level)

	case errors.Is(err, alert.ErrInvalidTransition), errors.Is(err, alert.ErrNotFound):
		// Alert moved on before the timer fired.
		if err := s.store.Finish(ctx, sched.ID, ScheduleSkipped, now); err != nil {
			s.logger.Error("Failed to mark schedule skipped", "schedule_id", sched.ID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.IncEscalationSkipped()
		}
		s.logger.Debug("Escalation skipped", "alert_id", sched.AlertID, "level", sched.Level)

	default:
		// Transient failure; the schedule stays pending and the next scan
		// retries it.
		s.logger.Error("Escalation fire failed",
			"alert_id", sched.AlertID,
			"schedule_id", sched.ID,
			"error", err)
	}
}

// SetClock overrides the scheduler's time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}
