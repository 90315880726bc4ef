package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the alert pipeline service.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Debug       bool             `mapstructure:"debug"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Escalation  EscalationConfig `mapstructure:"escalation"`
	Breaker     BreakerConfig    `mapstructure:"breaker"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch"`
	Channels    ChannelsConfig   `mapstructure:"channels"`
	Routing     RoutingConfig    `mapstructure:"routing"`
	Retention   RetentionConfig  `mapstructure:"retention"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// DatabaseConfig contains database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// KafkaConfig contains Kafka configuration for fact ingestion and alert
// event egress.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	GroupID     string   `mapstructure:"group_id"`
	FactsTopic  string   `mapstructure:"facts_topic"`
	AlertsTopic string   `mapstructure:"alerts_topic"`
	WorkerCount int      `mapstructure:"worker_count"`
	MinBytes    int      `mapstructure:"min_bytes"`
	MaxBytes    int      `mapstructure:"max_bytes"`
}

// EscalationConfig contains the per-severity delay table and the due-schedule
// scan cadence.
type EscalationConfig struct {
	ScanSchedule  string        `mapstructure:"scan_schedule"`
	MaxLevel      int           `mapstructure:"max_level"`
	CriticalDelay time.Duration `mapstructure:"critical_delay"`
	HighDelay     time.Duration `mapstructure:"high_delay"`
	MediumDelay   time.Duration `mapstructure:"medium_delay"`
	LowDelay      time.Duration `mapstructure:"low_delay"`
}

// BreakerConfig contains per-channel circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	CoolDownGrowth   float64       `mapstructure:"cool_down_growth"`
	MaxCoolDown      time.Duration `mapstructure:"max_cool_down"`
}

// DispatchConfig contains batch dispatcher tuning.
type DispatchConfig struct {
	BatchSize      int             `mapstructure:"batch_size"`
	Concurrency    int             `mapstructure:"concurrency"`
	MaxAttempts    int             `mapstructure:"max_attempts"`
	Backoff        []time.Duration `mapstructure:"backoff"`
	AttemptTimeout time.Duration   `mapstructure:"attempt_timeout"`
}

// ChannelsConfig contains per-channel adapter configuration.
type ChannelsConfig struct {
	Email   EmailConfig   `mapstructure:"email"`
	SMS     SMSConfig     `mapstructure:"sms"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Slack   SlackConfig   `mapstructure:"slack"`
}

// EmailConfig contains email adapter configuration.
type EmailConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	Provider    string          `mapstructure:"provider"`
	FromName    string          `mapstructure:"from_name"`
	FromAddress string          `mapstructure:"from_address"`
	SendGrid    SendGridConfig  `mapstructure:"sendgrid"`
	SMTP        SMTPConfig      `mapstructure:"smtp"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// SendGridConfig contains SendGrid credentials.
type SendGridConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SMTPConfig contains SMTP relay configuration.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SMSConfig contains Twilio SMS configuration.
type SMSConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	FromNumber string          `mapstructure:"from_number"`
	AccountSID string          `mapstructure:"account_sid"`
	AuthToken  string          `mapstructure:"auth_token"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// WebhookConfig contains generic webhook configuration.
type WebhookConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	AuthHeader string          `mapstructure:"auth_header"`
	AuthToken  string          `mapstructure:"auth_token"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// SlackConfig contains Slack incoming-webhook configuration.
type SlackConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	WebhookURL string          `mapstructure:"webhook_url"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-channel rate limiting.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// RoutingConfig contains the fallback destination and the policy channel set
// appended for critical alerts.
type RoutingConfig struct {
	DefaultTeam        string                `mapstructure:"default_team"`
	DefaultChannels    []string              `mapstructure:"default_channels"`
	EscalationChannels []string              `mapstructure:"escalation_channels"`
	Teams              map[string]TeamConfig `mapstructure:"teams"`
}

// TeamConfig holds a team's notification destinations. Slack deliveries go to
// the channel-level incoming webhook, so it carries no per-team address.
type TeamConfig struct {
	Email      string `mapstructure:"email"`
	Phone      string `mapstructure:"phone"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// Team returns the destinations for the named team, falling back to the
// default team's entry when the name is unknown.
func (r RoutingConfig) Team(name string) TeamConfig {
	if t, ok := r.Teams[name]; ok {
		return t
	}
	return r.Teams[r.DefaultTeam]
}

// RetentionConfig controls when resolved alerts close and how long closed
// alerts are kept.
type RetentionConfig struct {
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	CloseAfter      time.Duration `mapstructure:"close_after"`
	PurgeAfter      time.Duration `mapstructure:"purge_after"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/alertpipeline")

	v.SetEnvPrefix("ALERTPIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults and env cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debug", false)

	v.SetDefault("server.http_port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "alertpipeline")
	v.SetDefault("database.username", "alertpipeline")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "alertpipeline")
	v.SetDefault("kafka.facts_topic", "alert.facts")
	v.SetDefault("kafka.alerts_topic", "alert.events")
	v.SetDefault("kafka.worker_count", 4)
	v.SetDefault("kafka.min_bytes", 1)
	v.SetDefault("kafka.max_bytes", 10e6)

	v.SetDefault("escalation.scan_schedule", "*/15 * * * * *")
	v.SetDefault("escalation.max_level", 3)
	v.SetDefault("escalation.critical_delay", 15*time.Minute)
	v.SetDefault("escalation.high_delay", 30*time.Minute)
	v.SetDefault("escalation.medium_delay", time.Hour)
	v.SetDefault("escalation.low_delay", 4*time.Hour)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cool_down", 30*time.Second)
	v.SetDefault("breaker.cool_down_growth", 2.0)
	v.SetDefault("breaker.max_cool_down", 10*time.Minute)

	v.SetDefault("dispatch.batch_size", 500)
	v.SetDefault("dispatch.concurrency", 16)
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.backoff", []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second})
	v.SetDefault("dispatch.attempt_timeout", 10*time.Second)

	v.SetDefault("channels.email.provider", "smtp")
	v.SetDefault("channels.email.from_name", "Alert Pipeline")
	v.SetDefault("channels.email.from_address", "alerts@meridianbank.example")
	v.SetDefault("channels.email.smtp.port", 587)

	v.SetDefault("routing.default_team", "operations")
	v.SetDefault("routing.default_channels", []string{"email"})
	v.SetDefault("routing.escalation_channels", []string{"sms", "slack"})
	v.SetDefault("routing.teams.operations.email", "operations@meridianbank.example")

	v.SetDefault("retention.cleanup_schedule", "0 0 * * * *")
	v.SetDefault("retention.close_after", 72*time.Hour)
	v.SetDefault("retention.purge_after", 2160*time.Hour)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.HTTPPort)
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch concurrency must be positive, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch batch size must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.CoolDown <= 0 {
		return fmt.Errorf("breaker cool-down must be positive, got %s", c.Breaker.CoolDown)
	}
	if c.Breaker.CoolDownGrowth < 1 {
		return fmt.Errorf("breaker cool-down growth must be >= 1, got %.2f", c.Breaker.CoolDownGrowth)
	}
	if c.Escalation.MaxLevel <= 0 {
		return fmt.Errorf("escalation max level must be positive, got %d", c.Escalation.MaxLevel)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}
	return nil
}

// EscalationDelay returns the configured delay before an unacknowledged alert
// of the given severity escalates.
func (c *Config) EscalationDelay(severity string) time.Duration {
	switch severity {
	case "critical":
		return c.Escalation.CriticalDelay
	case "high":
		return c.Escalation.HighDelay
	case "medium":
		return c.Escalation.MediumDelay
	default:
		return c.Escalation.LowDelay
	}
}
