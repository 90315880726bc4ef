package lifecycle

import (
	"fmt"
	"strings"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// Renderer is the built-in PayloadProvider. It resolves the recipient from
// the team directory and renders a plain-text notification from the alert
// fields.
type Renderer struct {
	routing config.RoutingConfig
}

// NewRenderer creates a Renderer backed by the routing team directory.
func NewRenderer(routing config.RoutingConfig) *Renderer {
	return &Renderer{routing: routing}
}

// Payload renders the notification content for one alert on one channel.
func (r *Renderer) Payload(a *alert.Alert, team string, ch alert.Channel) alert.RenderedPayload {
	dest := r.routing.Team(team)

	var recipient string
	switch ch {
	case alert.ChannelEmail:
		recipient = dest.Email
	case alert.ChannelSMS:
		recipient = dest.Phone
	case alert.ChannelWebhook:
		recipient = dest.WebhookURL
	case alert.ChannelSlack:
		// Slack posts to the adapter's incoming webhook.
	}

	return alert.RenderedPayload{
		Channel:   ch,
		Recipient: recipient,
		Subject:   fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title),
		Body:      r.body(a, team),
	}
}

func (r *Renderer) body(a *alert.Alert, team string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Description)
	fmt.Fprintf(&b, "Alert ID: %s\n", a.ID)
	fmt.Fprintf(&b, "Kind: %s\n", a.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	if a.SubjectType != "" {
		fmt.Fprintf(&b, "Subject: %s %s\n", a.SubjectType, a.SubjectID)
	}
	fmt.Fprintf(&b, "Occurrences: %d\n", a.OccurrenceCount)
	if a.EscalationLevel > 0 {
		fmt.Fprintf(&b, "Escalation level: %d\n", a.EscalationLevel)
	}
	fmt.Fprintf(&b, "Assigned team: %s\n", team)
	fmt.Fprintf(&b, "Raised at: %s\n", a.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}
