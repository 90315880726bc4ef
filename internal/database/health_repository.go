package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meridianbank/alertpipeline/internal/breaker"
)

// HealthRepository persists per-channel breaker snapshots so channel health
// survives restarts for reporting purposes.
type HealthRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewHealthRepository creates a new health repository.
func NewHealthRepository(db *sqlx.DB, logger *slog.Logger) *HealthRepository {
	return &HealthRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// UpsertSnapshot writes the current breaker state for each channel.
func (r *HealthRepository) UpsertSnapshot(ctx context.Context, snapshots []breaker.ChannelHealth) error {
	query := `
		INSERT INTO channel_health (channel, state, failure_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel)
		DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	for _, s := range snapshots {
		if _, err := r.db.ExecContext(ctx, query, s.Channel, s.State, s.FailureCount, now); err != nil {
			return fmt.Errorf("failed to upsert channel health: %w", err)
		}
	}
	return nil
}
