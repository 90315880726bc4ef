package alert

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the pipeline. Lifecycle violations propagate to
// callers; delivery errors stay inside the dispatcher and end up in the audit
// trail instead.
var (
	ErrNotFound           = errors.New("alert not found")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrDuplicateSchedule  = errors.New("duplicate escalation schedule")
)

// Severity orders alert urgency. Escalation may only move severity upward.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether s is a recognized severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordinal position of the severity, low first.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Next returns the severity one step up, capped at critical.
func (s Severity) Next() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
)

// Terminal reports whether the status ends the dedup window.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// Fact is a raw, immutable alert occurrence handed in by a collaborator.
// The pipeline never decides what triggered it; it only deduplicates,
// escalates and delivers.
type Fact struct {
	Kind        string            `json:"kind"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	SubjectType string            `json:"subject_type,omitempty"`
	SubjectID   string            `json:"subject_id,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Alert is the persistent record produced by fact admission. Exactly one
// non-terminal alert exists per fingerprint at any time.
type Alert struct {
	ID              string     `db:"id" json:"id"`
	Fingerprint     string     `db:"fingerprint" json:"fingerprint"`
	Kind            string     `db:"kind" json:"kind"`
	Severity        Severity   `db:"severity" json:"severity"`
	Status          Status     `db:"status" json:"status"`
	Title           string     `db:"title" json:"title"`
	Description     string     `db:"description" json:"description"`
	SubjectType     string     `db:"subject_type" json:"subject_type,omitempty"`
	SubjectID       string     `db:"subject_id" json:"subject_id,omitempty"`
	Attributes      Attributes `db:"attributes" json:"attributes,omitempty"`
	OccurrenceCount int        `db:"occurrence_count" json:"occurrence_count"`
	EscalationLevel int        `db:"escalation_level" json:"escalation_level"`
	AssignedTeam    string     `db:"assigned_team" json:"assigned_team"`
	Assignee        *string    `db:"assignee" json:"assignee,omitempty"`
	AcknowledgedAt  *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy  *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy      *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Channel identifies a notification medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// RenderedPayload is the already-rendered notification content supplied by
// the templating collaborator. The pipeline transports it verbatim.
type RenderedPayload struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
}

// Job is one unit of dispatch work. Jobs are transient; only the terminal
// outcome is persisted as a DeliveryRecord.
type Job struct {
	AlertID     string
	Channel     Channel
	Payload     RenderedPayload
	Attempt     int
	MaxAttempts int
}

// Delivery outcome statuses recorded in the audit trail. Suppressed is kept
// distinct from failed so operators can tell "provider down" from "this send
// failed".
const (
	DeliverySent       = "sent"
	DeliveryFailed     = "failed"
	DeliverySuppressed = "suppressed"
)

// DeliveryRecord is one audit entry appended against an alert after a job
// reaches a terminal outcome.
type DeliveryRecord struct {
	ID          string    `db:"id" json:"id"`
	AlertID     string    `db:"alert_id" json:"alert_id"`
	Channel     Channel   `db:"channel" json:"channel"`
	Status      string    `db:"status" json:"status"`
	Attempts    int       `db:"attempts" json:"attempts"`
	ProviderRef *string   `db:"provider_ref" json:"provider_ref,omitempty"`
	Error       *string   `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Attributes is an open key-value map stored as JSONB.
type Attributes map[string]string

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (a *Attributes) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("cannot scan %T into Attributes", value)
	}
}
