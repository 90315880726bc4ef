package routing

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

func testEngine(t *testing.T, rules []Rule) *Engine {
	t.Helper()
	e, err := NewEngine(config.RoutingConfig{
		DefaultTeam:        "operations",
		DefaultChannels:    []string{"email"},
		EscalationChannels: []string{"sms", "slack"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), rules)
	require.NoError(t, err)
	return e
}

func TestEngine_FirstMatchWins(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "compliance", Priority: 10, Predicate: `kind == "compliance_violation"`, Team: "compliance", Channels: []alert.Channel{alert.ChannelEmail, alert.ChannelSlack}},
		{Name: "high-sev", Priority: 5, Predicate: `severity_rank >= 2`, Team: "oncall", Channels: []alert.Channel{alert.ChannelSMS}},
	})

	// Matches both rules; the higher-priority one wins.
	d := e.Route(&alert.Alert{Kind: "compliance_violation", Severity: alert.SeverityHigh})
	assert.Equal(t, "compliance", d.Team)
	assert.Equal(t, "compliance", d.RuleName)
	assert.Equal(t, []alert.Channel{alert.ChannelEmail, alert.ChannelSlack}, d.Channels)

	// Matches only the second.
	d = e.Route(&alert.Alert{Kind: "latency_spike", Severity: alert.SeverityHigh})
	assert.Equal(t, "oncall", d.Team)
}

func TestEngine_TiesBreakByInsertionOrder(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "first", Priority: 5, Predicate: `true`, Team: "team-a"},
		{Name: "second", Priority: 5, Predicate: `true`, Team: "team-b"},
	})

	d := e.Route(&alert.Alert{Kind: "anything", Severity: alert.SeverityLow})
	assert.Equal(t, "team-a", d.Team)
}

func TestEngine_DefaultWhenNothingMatches(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "never", Priority: 1, Predicate: `kind == "nope"`, Team: "x"},
	})

	d := e.Route(&alert.Alert{Kind: "sanctions_hit", Severity: alert.SeverityMedium})
	assert.Equal(t, "operations", d.Team)
	assert.Equal(t, []alert.Channel{alert.ChannelEmail}, d.Channels)
	assert.Empty(t, d.RuleName)
}

func TestEngine_CriticalAppendsEscalationChannels(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "compliance", Priority: 10, Predicate: `kind == "compliance_violation"`, Team: "compliance", Channels: []alert.Channel{alert.ChannelEmail, alert.ChannelSMS}},
	})

	d := e.Route(&alert.Alert{Kind: "compliance_violation", Severity: alert.SeverityCritical})
	// sms is already present; only slack is added, nothing duplicates.
	assert.Equal(t, []alert.Channel{alert.ChannelEmail, alert.ChannelSMS, alert.ChannelSlack}, d.Channels)
}

func TestEngine_AttributePredicates(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "vip", Priority: 10, Predicate: `attributes["tier"] == "vip"`, Team: "priority-desk", Channels: []alert.Channel{alert.ChannelSMS}},
	})

	d := e.Route(&alert.Alert{
		Kind:       "credit_limit_breach",
		Severity:   alert.SeverityMedium,
		Attributes: alert.Attributes{"tier": "vip"},
	})
	assert.Equal(t, "priority-desk", d.Team)

	// Nil attributes must not panic the predicate.
	d = e.Route(&alert.Alert{Kind: "credit_limit_breach", Severity: alert.SeverityMedium})
	assert.Equal(t, "operations", d.Team)
}

func TestEngine_Deterministic(t *testing.T) {
	e := testEngine(t, []Rule{
		{Name: "compliance", Priority: 10, Predicate: `kind == "compliance_violation"`, Team: "compliance", Channels: []alert.Channel{alert.ChannelEmail}},
	})

	a := &alert.Alert{Kind: "compliance_violation", Severity: alert.SeverityCritical, Attributes: alert.Attributes{"k": "v"}}
	first := e.Route(a)
	second := e.Route(a)
	assert.Equal(t, first, second)
}

func TestNewEngine_RejectsBadPredicate(t *testing.T) {
	_, err := NewEngine(config.RoutingConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)), []Rule{
		{Name: "broken", Predicate: `kind ==`},
	})
	assert.Error(t, err)
}
