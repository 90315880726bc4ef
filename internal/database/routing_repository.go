package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/routing"
)

// RoutingRepository persists routing rules.
type RoutingRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRoutingRepository creates a new routing repository.
func NewRoutingRepository(db *sqlx.DB, logger *slog.Logger) *RoutingRepository {
	return &RoutingRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

type ruleRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Priority  int            `db:"priority"`
	Predicate string         `db:"predicate"`
	Team      string         `db:"team"`
	Channels  pq.StringArray `db:"channels"`
	Enabled   bool           `db:"enabled"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// ListEnabled returns the enabled rules ordered by priority, highest first.
func (r *RoutingRepository) ListEnabled(ctx context.Context) ([]routing.Rule, error) {
	query := `
		SELECT * FROM routing_rules
		WHERE enabled = true
		ORDER BY priority DESC, created_at ASC`

	var rows []ruleRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}

	rules := make([]routing.Rule, 0, len(rows))
	for _, row := range rows {
		channels := make([]alert.Channel, 0, len(row.Channels))
		for _, c := range row.Channels {
			channels = append(channels, alert.Channel(c))
		}
		rules = append(rules, routing.Rule{
			Name:      row.Name,
			Priority:  row.Priority,
			Predicate: row.Predicate,
			Team:      row.Team,
			Channels:  channels,
		})
	}
	return rules, nil
}

// Create inserts a routing rule and returns its id.
func (r *RoutingRepository) Create(ctx context.Context, rule routing.Rule) (string, error) {
	channels := make(pq.StringArray, 0, len(rule.Channels))
	for _, c := range rule.Channels {
		channels = append(channels, string(c))
	}
	row := ruleRow{
		ID:        uuid.NewString(),
		Name:      rule.Name,
		Priority:  rule.Priority,
		Predicate: rule.Predicate,
		Team:      rule.Team,
		Channels:  channels,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO routing_rules (
			id, name, priority, predicate, team, channels, enabled, created_at, updated_at
		) VALUES (
			:id, :name, :priority, :predicate, :team, :channels, :enabled, :created_at, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		r.logger.Error("Failed to create routing rule", "name", rule.Name, "error", err)
		return "", fmt.Errorf("failed to create routing rule: %w", err)
	}
	return row.ID, nil
}

// SetEnabled flips a rule's enabled flag.
func (r *RoutingRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE routing_rules SET enabled = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, enabled); err != nil {
		return fmt.Errorf("failed to update routing rule: %w", err)
	}
	return nil
}
