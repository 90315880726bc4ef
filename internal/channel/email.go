package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// EmailAdapter delivers rendered payloads over email, via SendGrid or a
// plain SMTP relay depending on configuration.
type EmailAdapter struct {
	cfg    config.EmailConfig
	logger *slog.Logger
}

// NewEmailAdapter creates an email adapter.
func NewEmailAdapter(cfg config.EmailConfig, logger *slog.Logger) *EmailAdapter {
	return &EmailAdapter{cfg: cfg, logger: logger}
}

func (e *EmailAdapter) Name() alert.Channel {
	return alert.ChannelEmail
}

func (e *EmailAdapter) Send(ctx context.Context, job alert.Job) (Result, error) {
	switch e.cfg.Provider {
	case "sendgrid":
		return e.sendViaSendGrid(ctx, job)
	case "smtp":
		return e.sendViaSMTP(ctx, job)
	default:
		return Result{}, fmt.Errorf("unsupported email provider: %s", e.cfg.Provider)
	}
}

func (e *EmailAdapter) sendViaSendGrid(ctx context.Context, job alert.Job) (Result, error) {
	from := mail.NewEmail(e.cfg.FromName, e.cfg.FromAddress)
	to := mail.NewEmail("", job.Payload.Recipient)
	message := mail.NewSingleEmail(from, job.Payload.Subject, to, job.Payload.Body, job.Payload.Body)

	client := sendgrid.NewSendClient(e.cfg.SendGrid.APIKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send email via SendGrid: %w", err)
	}
	if response.StatusCode >= 300 {
		return Result{}, fmt.Errorf("SendGrid returned status %d", response.StatusCode)
	}

	var ref string
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		ref = ids[0]
	}

	e.logger.Debug("Email sent via SendGrid",
		"alert_id", job.AlertID,
		"recipient", job.Payload.Recipient)

	return Result{ProviderRef: ref}, nil
}

func (e *EmailAdapter) sendViaSMTP(_ context.Context, job alert.Job) (Result, error) {
	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		job.Payload.Recipient, job.Payload.Subject, job.Payload.Body)

	auth := smtp.PlainAuth("", e.cfg.SMTP.Username, e.cfg.SMTP.Password, e.cfg.SMTP.Host)
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTP.Host, e.cfg.SMTP.Port)

	if err := smtp.SendMail(addr, auth, e.cfg.FromAddress, []string{job.Payload.Recipient}, []byte(msg)); err != nil {
		return Result{}, fmt.Errorf("failed to send email via SMTP: %w", err)
	}

	e.logger.Debug("Email sent via SMTP",
		"alert_id", job.AlertID,
		"recipient", job.Payload.Recipient)

	return Result{}, nil
}
