package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// Event types published on the alerts topic.
const (
	EventAlertCreated   = "alert.created"
	EventAlertEscalated = "alert.escalated"
	EventAlertResolved  = "alert.resolved"
)

// AlertEvent is the envelope published for each lifecycle change.
type AlertEvent struct {
	Type      string       `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Alert     *alert.Alert `json:"alert"`
}

// Producer publishes alert lifecycle events. It implements lifecycle.Events;
// publish failures are logged, never surfaced into the lifecycle.
type Producer struct {
	logger *slog.Logger
	writer *kafka.Writer
}

// NewProducer creates a new alert events producer.
func NewProducer(cfg *config.Config, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.AlertsTopic,
		Balancer:     &kafka.LeastBytes{},
		Compression:  kafka.Snappy,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}

	return &Producer{logger: logger, writer: writer}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) AlertCreated(ctx context.Context, a *alert.Alert) {
	p.publish(ctx, EventAlertCreated, a)
}

func (p *Producer) AlertEscalated(ctx context.Context, a *alert.Alert) {
	p.publish(ctx, EventAlertEscalated, a)
}

func (p *Producer) AlertResolved(ctx context.Context, a *alert.Alert) {
	p.publish(ctx, EventAlertResolved, a)
}

func (p *Producer) publish(ctx context.Context, eventType string, a *alert.Alert) {
	event := AlertEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Alert:     a,
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal alert event", "type", eventType, "error", err)
		return
	}

	message := kafka.Message{
		// Key by fingerprint so one alert's events stay ordered within a
		// partition.
		Key:   []byte(a.Fingerprint),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error("Failed to publish alert event",
			"type", eventType,
			"alert_id", a.ID,
			"error", err)
	}
}
