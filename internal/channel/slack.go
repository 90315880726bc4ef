package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// SlackAdapter posts rendered payloads to a Slack incoming webhook.
type SlackAdapter struct {
	cfg    config.SlackConfig
	logger *slog.Logger
	client *http.Client
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks,omitempty"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter(cfg config.SlackConfig, logger *slog.Logger) *SlackAdapter {
	return &SlackAdapter{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{},
	}
}

func (s *SlackAdapter) Name() alert.Channel {
	return alert.ChannelSlack
}

func (s *SlackAdapter) Send(ctx context.Context, job alert.Job) (Result, error) {
	msg := slackMessage{
		Channel: job.Payload.Recipient,
		Text:    job.Payload.Subject,
		Blocks: []slackBlock{
			{
				Type: "section",
				Text: &slackText{
					Type: "mrkdwn",
					Text: fmt.Sprintf("*%s*\n%s", job.Payload.Subject, job.Payload.Body),
				},
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send Slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("Slack API returned status %d", resp.StatusCode)
	}

	s.logger.Debug("Slack message sent",
		"alert_id", job.AlertID,
		"channel", job.Payload.Recipient)

	return Result{}, nil
}
