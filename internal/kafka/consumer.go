// Package kafka carries alert facts in and lifecycle events out.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/metrics"
)

// Admitter is the fact sink the consumer feeds. The lifecycle manager
// implements it.
type Admitter interface {
	Admit(ctx context.Context, fact alert.Fact) (*alert.Alert, bool, error)
}

// Consumer reads alert facts off the facts topic and admits them.
type Consumer struct {
	cfg      *config.Config
	logger   *slog.Logger
	reader   *kafka.Reader
	admitter Admitter
	metrics  *metrics.Metrics

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewConsumer creates a new facts consumer.
func NewConsumer(cfg *config.Config, logger *slog.Logger, admitter Admitter, m *metrics.Metrics) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		Topic:       cfg.Kafka.FactsTopic,
		MinBytes:    cfg.Kafka.MinBytes,
		MaxBytes:    cfg.Kafka.MaxBytes,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{
		cfg:          cfg,
		logger:       logger,
		reader:       reader,
		admitter:     admitter,
		metrics:      m,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Kafka.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	c.logger.Info("Kafka consumer started",
		"topic", c.cfg.Kafka.FactsTopic,
		"group_id", c.cfg.Kafka.GroupID,
		"workers", c.cfg.Kafka.WorkerCount)
}

// Stop closes the reader and waits for workers to drain.
func (c *Consumer) Stop() {
	close(c.shutdownChan)
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka reader", "error", err)
	}
	c.wg.Wait()
	c.logger.Info("Kafka consumer stopped")
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownChan:
			return
		default:
		}

		message, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			c.logger.Error("Failed to read Kafka message", "worker_id", id, "error", err)
			time.Sleep(time.Second)
			continue
		}

		c.handle(ctx, message)
	}
}

// handle admits one message. Malformed messages are logged and skipped so a
// poison record cannot wedge the partition.
func (c *Consumer) handle(ctx context.Context, message kafka.Message) {
	var fact alert.Fact
	if err := json.Unmarshal(message.Value, &fact); err != nil {
		c.logger.Warn("Skipping malformed alert fact",
			"topic", message.Topic,
			"partition", message.Partition,
			"offset", message.Offset,
			"error", err)
		c.observe("malformed")
		return
	}

	_, created, err := c.admitter.Admit(ctx, fact)
	if err != nil {
		c.logger.Error("Failed to admit alert fact",
			"kind", fact.Kind,
			"offset", message.Offset,
			"error", err)
		c.observe("error")
		return
	}

	if created {
		c.observe("new")
	} else {
		c.observe("deduplicated")
	}
}

func (c *Consumer) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.IncFactConsumed(outcome)
	}
}
