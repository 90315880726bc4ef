package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/lifecycle"
)

// AlertRepository persists alerts. It implements lifecycle.Store.
type AlertRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository.
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new alert.
func (r *AlertRepository) Create(ctx context.Context, a *alert.Alert) error {
	query := `
		INSERT INTO alerts (
			id, fingerprint, kind, severity, status, title, description,
			subject_type, subject_id, attributes, occurrence_count,
			escalation_level, assigned_team, assignee, acknowledged_at,
			acknowledged_by, resolved_at, resolved_by, resolution_notes,
			created_at, updated_at
		) VALUES (
			:id, :fingerprint, :kind, :severity, :status, :title, :description,
			:subject_type, :subject_id, :attributes, :occurrence_count,
			:escalation_level, :assigned_team, :assignee, :acknowledged_at,
			:acknowledged_by, :resolved_at, :resolved_by, :resolution_notes,
			:created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, a)
	if err != nil {
		r.logger.Error("Failed to create alert", "alert_id", a.ID, "error", err)
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// Get retrieves an alert by id.
func (r *AlertRepository) Get(ctx context.Context, id string) (*alert.Alert, error) {
	query := `SELECT * FROM alerts WHERE id = $1`

	var a alert.Alert
	err := r.db.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &a, nil
}

// Update rewrites the mutable fields of an alert.
func (r *AlertRepository) Update(ctx context.Context, a *alert.Alert) error {
	query := `
		UPDATE alerts SET
			severity = :severity,
			status = :status,
			occurrence_count = :occurrence_count,
			escalation_level = :escalation_level,
			assigned_team = :assigned_team,
			assignee = :assignee,
			acknowledged_at = :acknowledged_at,
			acknowledged_by = :acknowledged_by,
			resolved_at = :resolved_at,
			resolved_by = :resolved_by,
			resolution_notes = :resolution_notes,
			updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, a)
	if err != nil {
		r.logger.Error("Failed to update alert", "alert_id", a.ID, "error", err)
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return alert.ErrNotFound
	}
	return nil
}

// GetOpenByFingerprint returns the single non-terminal alert carrying the
// fingerprint, if any. The partial unique index on (fingerprint) for live
// statuses guarantees at most one row.
func (r *AlertRepository) GetOpenByFingerprint(ctx context.Context, fp string) (*alert.Alert, error) {
	query := `
		SELECT * FROM alerts
		WHERE fingerprint = $1 AND status IN ('open', 'acknowledged')`

	var a alert.Alert
	err := r.db.GetContext(ctx, &a, query, fp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert by fingerprint: %w", err)
	}
	return &a, nil
}

// List returns alerts matching the filter, newest first.
func (r *AlertRepository) List(ctx context.Context, f lifecycle.Filter) ([]*alert.Alert, error) {
	query := `SELECT * FROM alerts WHERE 1=1`
	args := map[string]interface{}{}

	if f.Status != "" {
		query += " AND status = :status"
		args["status"] = f.Status
	}
	if f.Severity != "" {
		query += " AND severity = :severity"
		args["severity"] = f.Severity
	}
	if f.Team != "" {
		query += " AND assigned_team = :team"
		args["team"] = f.Team
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT :limit OFFSET :offset"
	args["limit"] = limit
	args["offset"] = f.Offset

	rows, err := r.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		var a alert.Alert
		if err := rows.StructScan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// CountActive returns the number of non-terminal alerts, for the active
// alerts gauge.
func (r *AlertRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM alerts WHERE status IN ('open', 'acknowledged')`)
	if err != nil {
		return 0, fmt.Errorf("failed to count active alerts: %w", err)
	}
	return n, nil
}

// CloseResolved moves resolved alerts older than the cutoff to closed.
func (r *AlertRepository) CloseResolved(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET status = 'closed', updated_at = NOW()
		 WHERE status = 'resolved' AND resolved_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to close resolved alerts: %w", err)
	}
	return result.RowsAffected()
}

// Purge deletes closed alerts older than the cutoff, along with their
// delivery audit rows via the foreign key cascade.
func (r *AlertRepository) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE status = 'closed' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge closed alerts: %w", err)
	}
	return result.RowsAffected()
}
