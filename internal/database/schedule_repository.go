package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meridianbank/alertpipeline/internal/escalation"
)

// ScheduleRepository persists escalation schedules. It implements
// escalation.Store.
type ScheduleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sqlx.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Upsert writes a pending schedule. The partial unique index on
// (alert_id, level) for pending rows makes a re-arm replace the previous
// timer instead of stacking a second one.
func (r *ScheduleRepository) Upsert(ctx context.Context, s *escalation.Schedule) error {
	query := `
		INSERT INTO escalation_schedules (
			id, alert_id, level, severity, status, due_at, created_at
		) VALUES (
			:id, :alert_id, :level, :severity, :status, :due_at, :created_at
		)
		ON CONFLICT (alert_id, level) WHERE status = 'pending'
		DO UPDATE SET
			severity = EXCLUDED.severity,
			due_at = EXCLUDED.due_at,
			created_at = EXCLUDED.created_at`

	if _, err := r.db.NamedExecContext(ctx, query, s); err != nil {
		r.logger.Error("Failed to upsert escalation schedule",
			"alert_id", s.AlertID, "level", s.Level, "error", err)
		return fmt.Errorf("failed to upsert escalation schedule: %w", err)
	}
	return nil
}

// Due returns pending schedules whose due time has passed, oldest first.
func (r *ScheduleRepository) Due(ctx context.Context, now time.Time, limit int) ([]*escalation.Schedule, error) {
	query := `
		SELECT * FROM escalation_schedules
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at ASC
		LIMIT $2`

	var schedules []*escalation.Schedule
	if err := r.db.SelectContext(ctx, &schedules, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return schedules, nil
}

// Finish moves a schedule to its terminal status.
func (r *ScheduleRepository) Finish(ctx context.Context, id, status string, firedAt time.Time) error {
	query := `
		UPDATE escalation_schedules
		SET status = $2, fired_at = $3
		WHERE id = $1 AND status = 'pending'`

	if _, err := r.db.ExecContext(ctx, query, id, status, firedAt); err != nil {
		return fmt.Errorf("failed to finish schedule: %w", err)
	}
	return nil
}

// CancelByAlert cancels every pending schedule for an alert.
func (r *ScheduleRepository) CancelByAlert(ctx context.Context, alertID string) error {
	query := `
		UPDATE escalation_schedules
		SET status = 'cancelled'
		WHERE alert_id = $1 AND status = 'pending'`

	if _, err := r.db.ExecContext(ctx, query, alertID); err != nil {
		return fmt.Errorf("failed to cancel schedules: %w", err)
	}
	return nil
}
