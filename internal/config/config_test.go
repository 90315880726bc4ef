package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.False(t, cfg.Kafka.Enabled)

	assert.Equal(t, 3, cfg.Escalation.MaxLevel)
	assert.Equal(t, 15*time.Minute, cfg.Escalation.CriticalDelay)
	assert.Equal(t, 4*time.Hour, cfg.Escalation.LowDelay)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.CoolDown)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.MaxCoolDown)

	assert.Equal(t, 16, cfg.Dispatch.Concurrency)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)

	assert.Equal(t, "operations", cfg.Routing.DefaultTeam)
	assert.Equal(t, []string{"sms", "slack"}, cfg.Routing.EscalationChannels)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"zero concurrency", func(c *Config) { c.Dispatch.Concurrency = 0 }},
		{"zero batch size", func(c *Config) { c.Dispatch.BatchSize = 0 }},
		{"zero max attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"negative cool-down", func(c *Config) { c.Breaker.CoolDown = -time.Second }},
		{"shrinking cool-down growth", func(c *Config) { c.Breaker.CoolDownGrowth = 0.5 }},
		{"zero escalation levels", func(c *Config) { c.Escalation.MaxLevel = 0 }},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEscalationDelay(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.EscalationDelay("critical"))
	assert.Equal(t, 30*time.Minute, cfg.EscalationDelay("high"))
	assert.Equal(t, time.Hour, cfg.EscalationDelay("medium"))
	assert.Equal(t, 4*time.Hour, cfg.EscalationDelay("low"))
	// Unknown severities get the most patient delay.
	assert.Equal(t, 4*time.Hour, cfg.EscalationDelay("unknown"))
}

func TestTeamLookupFallsBack(t *testing.T) {
	r := RoutingConfig{
		DefaultTeam: "operations",
		Teams: map[string]TeamConfig{
			"operations": {Email: "ops@example.com"},
			"fraud":      {Email: "fraud@example.com"},
		},
	}

	assert.Equal(t, "fraud@example.com", r.Team("fraud").Email)
	assert.Equal(t, "ops@example.com", r.Team("unknown").Email)
}
