package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/meridianbank/alertpipeline/internal/alert"
)

// AuditRepository persists the delivery audit trail. It implements
// dispatch.AuditSink.
type AuditRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// AppendDelivery records one terminal delivery outcome.
func (r *AuditRepository) AppendDelivery(ctx context.Context, rec *alert.DeliveryRecord) error {
	query := `
		INSERT INTO delivery_audit (
			id, alert_id, channel, status, attempts, provider_ref, error, created_at
		) VALUES (
			:id, :alert_id, :channel, :status, :attempts, :provider_ref, :error, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		r.logger.Error("Failed to append delivery record",
			"alert_id", rec.AlertID, "channel", rec.Channel, "error", err)
		return fmt.Errorf("failed to append delivery record: %w", err)
	}
	return nil
}

// ListByAlert returns the delivery history for an alert, newest first.
func (r *AuditRepository) ListByAlert(ctx context.Context, alertID string) ([]*alert.DeliveryRecord, error) {
	query := `
		SELECT * FROM delivery_audit
		WHERE alert_id = $1
		ORDER BY created_at DESC`

	var records []*alert.DeliveryRecord
	if err := r.db.SelectContext(ctx, &records, query, alertID); err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}
	return records, nil
}
