package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// WebhookAdapter posts rendered payloads to an arbitrary HTTP endpoint.
// The job recipient is the destination URL.
type WebhookAdapter struct {
	cfg    config.WebhookConfig
	logger *slog.Logger
	client *http.Client
}

// webhookBody is the JSON document posted to the receiving endpoint.
type webhookBody struct {
	AlertID   string    `json:"alert_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter(cfg config.WebhookConfig, logger *slog.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{},
	}
}

func (w *WebhookAdapter) Name() alert.Channel {
	return alert.ChannelWebhook
}

func (w *WebhookAdapter) Send(ctx context.Context, job alert.Job) (Result, error) {
	payload, err := json.Marshal(webhookBody{
		AlertID:   job.AlertID,
		Subject:   job.Payload.Subject,
		Body:      job.Payload.Body,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Payload.Recipient, bytes.NewBuffer(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alertpipeline/1.0")
	if w.cfg.AuthHeader != "" && w.cfg.AuthToken != "" {
		req.Header.Set(w.cfg.AuthHeader, w.cfg.AuthToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("Webhook delivered",
		"alert_id", job.AlertID,
		"url", job.Payload.Recipient,
		"status_code", resp.StatusCode)

	return Result{}, nil
}
