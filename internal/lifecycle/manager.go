// Package lifecycle owns the alert state machine: admission with
// content-addressed deduplication, operator transitions and system-driven
// escalation. No other component mutates alert status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/dispatch"
	"github.com/meridianbank/alertpipeline/internal/fingerprint"
	"github.com/meridianbank/alertpipeline/internal/metrics"
	"github.com/meridianbank/alertpipeline/internal/routing"
)

// Filter narrows ListAlerts results.
type Filter struct {
	Status   alert.Status
	Severity alert.Severity
	Team     string
	Limit    int
	Offset   int
}

// Store is the alert persistence seam. GetOpenByFingerprint must only
// consider non-terminal alerts; that is what closes the dedup window on
// resolution.
type Store interface {
	Create(ctx context.Context, a *alert.Alert) error
	Get(ctx context.Context, id string) (*alert.Alert, error)
	Update(ctx context.Context, a *alert.Alert) error
	GetOpenByFingerprint(ctx context.Context, fp string) (*alert.Alert, error)
	List(ctx context.Context, f Filter) ([]*alert.Alert, error)
}

// Scheduler arms and cancels escalation timers for alerts.
type Scheduler interface {
	Arm(ctx context.Context, alertID string, severity alert.Severity, level int) error
	Cancel(ctx context.Context, alertID string) error
}

// Sender fans notification jobs out to the channel adapters.
type Sender interface {
	Dispatch(ctx context.Context, jobs []alert.Job) dispatch.Report
}

// PayloadProvider supplies the already-rendered notification content for an
// alert on a given channel. The real implementation is the templating
// collaborator; the pipeline never renders content itself.
type PayloadProvider interface {
	Payload(a *alert.Alert, team string, ch alert.Channel) alert.RenderedPayload
}

// Events receives lifecycle notifications for downstream consumers. The
// Kafka producer implements it; a nil Events is valid.
type Events interface {
	AlertCreated(ctx context.Context, a *alert.Alert)
	AlertEscalated(ctx context.Context, a *alert.Alert)
	AlertResolved(ctx context.Context, a *alert.Alert)
}

// Manager is the single writer of alert state.
type Manager struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     Store
	router    *routing.Engine
	scheduler Scheduler
	sender    Sender
	payloads  PayloadProvider
	events    Events
	metrics   *metrics.Metrics

	locks keyedMutex
	wg    sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(
	cfg *config.Config,
	logger *slog.Logger,
	store Store,
	router *routing.Engine,
	scheduler Scheduler,
	sender Sender,
	payloads PayloadProvider,
	events Events,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		router:    router,
		scheduler: scheduler,
		sender:    sender,
		payloads:  payloads,
		events:    events,
		metrics:   m,
	}
}

// SetScheduler installs the escalation scheduler. The manager and the
// scheduler reference each other, so the scheduler side is injected after
// both exist.
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

// Close waits for in-flight notification fan-outs to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

// Admit consumes one alert fact. Facts whose fingerprint matches a live
// alert fold into it; anything else opens a new alert, arms escalation and
// triggers routing and dispatch. Concurrent admissions of the same
// fingerprint serialize on a per-fingerprint lock so a race can never create
// two live alerts for one fingerprint.
func (m *Manager) Admit(ctx context.Context, fact alert.Fact) (*alert.Alert, bool, error) {
	if fact.Kind == "" || fact.Title == "" {
		return nil, false, fmt.Errorf("fact requires kind and title")
	}
	if !fact.Severity.Valid() {
		return nil, false, fmt.Errorf("invalid severity: %q", fact.Severity)
	}

	fp := fingerprint.New(fact)

	unlock := m.locks.Lock(fp)
	defer unlock()

	existing, err := m.store.GetOpenByFingerprint(ctx, fp)
	switch {
	case err == nil:
		existing.OccurrenceCount++
		// Severity may only move upward; a duplicate at a higher severity
		// raises the alert, a lower one is absorbed.
		if fact.Severity.Rank() > existing.Severity.Rank() {
			existing.Severity = fact.Severity
		}
		existing.UpdatedAt = time.Now().UTC()
		if err := m.store.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("failed to update deduplicated alert: %w", err)
		}
		m.observeAdmit(existing.Severity, "deduplicated")
		m.logger.Debug("Alert fact deduplicated",
			"alert_id", existing.ID,
			"fingerprint", fp,
			"occurrence_count", existing.OccurrenceCount)
		return existing, false, nil

	case errors.Is(err, alert.ErrNotFound):
		// Fresh fingerprint, fall through to creation.

	default:
		return nil, false, fmt.Errorf("failed to look up fingerprint: %w", err)
	}

	now := time.Now().UTC()
	a := &alert.Alert{
		ID:              uuid.NewString(),
		Fingerprint:     fp,
		Kind:            fact.Kind,
		Severity:        fact.Severity,
		Status:          alert.StatusOpen,
		Title:           fact.Title,
		Description:     fact.Description,
		SubjectType:     fact.SubjectType,
		SubjectID:       fact.SubjectID,
		Attributes:      alert.Attributes(fact.Attributes),
		OccurrenceCount: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	decision := m.router.Route(a)
	a.AssignedTeam = decision.Team

	if err := m.store.Create(ctx, a); err != nil {
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Arm(ctx, a.ID, a.Severity, 1); err != nil {
			m.logger.Error("Failed to arm escalation", "alert_id", a.ID, "error", err)
		}
	}

	m.observeAdmit(a.Severity, "new")
	if m.events != nil {
		m.events.AlertCreated(ctx, a)
	}

	m.logger.Info("Alert created",
		"alert_id", a.ID,
		"kind", a.Kind,
		"severity", a.Severity,
		"team", a.AssignedTeam,
		"fingerprint", fp)

	m.notify(a, decision)
	return a, true, nil
}

// Acknowledge transitions an open alert to acknowledged and cancels its
// pending escalations.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) error {
	a, unlock, err := m.lockAlert(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if a.Status != alert.StatusOpen {
		return fmt.Errorf("%w: cannot acknowledge alert in status %s", alert.ErrInvalidTransition, a.Status)
	}

	now := time.Now().UTC()
	a.Status = alert.StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = &actor
	a.UpdatedAt = now

	if err := m.store.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Cancel(ctx, a.ID); err != nil {
			m.logger.Error("Failed to cancel escalation schedules", "alert_id", a.ID, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.IncTransition("acknowledged")
	}
	m.logger.Info("Alert acknowledged", "alert_id", a.ID, "actor", actor)
	return nil
}

// Resolve transitions an open or acknowledged alert to resolved. Resolution
// closes the dedup window: the next occurrence of the same fingerprint starts
// a fresh alert with an occurrence count of one.
func (m *Manager) Resolve(ctx context.Context, id, actor, notes string) error {
	a, unlock, err := m.lockAlert(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if a.Status != alert.StatusOpen && a.Status != alert.StatusAcknowledged {
		return fmt.Errorf("%w: cannot resolve alert in status %s", alert.ErrInvalidTransition, a.Status)
	}

	now := time.Now().UTC()
	a.Status = alert.StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = &actor
	if notes != "" {
		a.ResolutionNotes = &notes
	}
	a.UpdatedAt = now

	if err := m.store.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	if m.scheduler != nil {
		if err := m.scheduler.Cancel(ctx, a.ID); err != nil {
			m.logger.Error("Failed to cancel escalation schedules", "alert_id", a.ID, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.IncTransition("resolved")
	}
	if m.events != nil {
		m.events.AlertResolved(ctx, a)
	}
	m.logger.Info("Alert resolved", "alert_id", a.ID, "actor", actor)
	return nil
}

// Escalate raises an alert one severity step, reassigns it per the updated
// routing, re-dispatches notifications and arms the next level. Invoked by
// the escalation scheduler, never by operators. An alert already at critical
// is a no-op rather than an error.
func (m *Manager) Escalate(ctx context.Context, id string) error {
	a, unlock, err := m.lockAlert(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if a.Status != alert.StatusOpen && a.Status != alert.StatusAcknowledged {
		return fmt.Errorf("%w: cannot escalate alert in status %s", alert.ErrInvalidTransition, a.Status)
	}

	if a.Severity == alert.SeverityCritical {
		m.logger.Debug("Alert already at maximum severity, escalation skipped", "alert_id", a.ID)
		return nil
	}

	a.Severity = a.Severity.Next()
	a.EscalationLevel++
	a.UpdatedAt = time.Now().UTC()

	decision := m.router.Route(a)
	a.AssignedTeam = decision.Team

	if err := m.store.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}

	if m.scheduler != nil && a.EscalationLevel < m.cfg.Escalation.MaxLevel {
		if err := m.scheduler.Arm(ctx, a.ID, a.Severity, a.EscalationLevel+1); err != nil {
			m.logger.Error("Failed to arm next escalation level", "alert_id", a.ID, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.IncTransition("escalated")
	}
	if m.events != nil {
		m.events.AlertEscalated(ctx, a)
	}

	m.logger.Info("Alert escalated",
		"alert_id", a.ID,
		"severity", a.Severity,
		"level", a.EscalationLevel,
		"team", a.AssignedTeam)

	m.notify(a, decision)
	return nil
}

// GetAlert returns one alert by id.
func (m *Manager) GetAlert(ctx context.Context, id string) (*alert.Alert, error) {
	return m.store.Get(ctx, id)
}

// ListAlerts returns alerts matching the filter.
func (m *Manager) ListAlerts(ctx context.Context, f Filter) ([]*alert.Alert, error) {
	return m.store.List(ctx, f)
}

// lockAlert fetches the alert, takes its fingerprint lock and re-reads the
// live record, so lifecycle actions and escalation fires linearize on the
// same serialization point as admission.
func (m *Manager) lockAlert(ctx context.Context, id string) (*alert.Alert, func(), error) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	unlock := m.locks.Lock(a.Fingerprint)

	a, err = m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return a, unlock, nil
}

// notify builds jobs for the routed channel set and dispatches them in the
// background. Delivery results land in the audit trail; they never feed back
// into alert status.
func (m *Manager) notify(a *alert.Alert, decision routing.Decision) {
	if m.sender == nil || len(decision.Channels) == 0 {
		return
	}

	jobs := make([]alert.Job, 0, len(decision.Channels))
	for _, ch := range decision.Channels {
		jobs = append(jobs, alert.Job{
			AlertID:     a.ID,
			Channel:     ch,
			Payload:     m.payloads.Payload(a, decision.Team, ch),
			MaxAttempts: m.cfg.Dispatch.MaxAttempts,
		})
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		report := m.sender.Dispatch(context.Background(), jobs)
		if report.Failed > 0 {
			m.logger.Warn("Some notifications failed",
				"alert_id", a.ID,
				"sent", report.Sent,
				"failed", report.Failed)
		}
	}()
}

func (m *Manager) observeAdmit(sev alert.Severity, outcome string) {
	if m.metrics != nil {
		m.metrics.IncAdmitted(string(sev), outcome)
	}
}
