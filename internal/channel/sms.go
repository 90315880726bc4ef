package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	v2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// SMSAdapter delivers rendered payloads as SMS via Twilio.
type SMSAdapter struct {
	cfg    config.SMSConfig
	logger *slog.Logger
	client *twilio.RestClient
}

// NewSMSAdapter creates an SMS adapter.
func NewSMSAdapter(cfg config.SMSConfig, logger *slog.Logger) *SMSAdapter {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSAdapter{cfg: cfg, logger: logger, client: client}
}

func (s *SMSAdapter) Name() alert.Channel {
	return alert.ChannelSMS
}

func (s *SMSAdapter) Send(_ context.Context, job alert.Job) (Result, error) {
	// SMS bodies have no subject line; prepend it so the severity context
	// survives the medium.
	body := job.Payload.Body
	if job.Payload.Subject != "" {
		body = job.Payload.Subject + " - " + body
	}

	params := &v2010.CreateMessageParams{}
	params.SetTo(job.Payload.Recipient)
	params.SetFrom(s.cfg.FromNumber)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send SMS via Twilio: %w", err)
	}

	var ref string
	if resp.Sid != nil {
		ref = *resp.Sid
	}

	s.logger.Debug("SMS sent via Twilio",
		"alert_id", job.AlertID,
		"recipient", job.Payload.Recipient)

	return Result{ProviderRef: ref}, nil
}
