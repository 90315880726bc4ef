// Package channel contains the notification transport adapters. Each adapter
// carries payloads to exactly one medium; retry, backoff and circuit breaking
// live in the dispatcher, never here.
package channel

import (
	"context"

	"github.com/meridianbank/alertpipeline/internal/alert"
)

// Result is what an adapter reports back for a single send attempt.
type Result struct {
	// ProviderRef is the provider-side identifier for the message, when the
	// provider returns one (SendGrid message id, Twilio SID, ...).
	ProviderRef string
}

// Adapter is the uniform send contract. Implementations must not retry
// internally and must respect ctx cancellation and deadlines; the dispatcher
// bounds every call with a per-attempt timeout.
type Adapter interface {
	Name() alert.Channel
	Send(ctx context.Context, job alert.Job) (Result, error)
}

// Registry maps channel identifiers to their adapters. New media are added
// by implementing Adapter, not by modifying the dispatcher.
type Registry map[alert.Channel]Adapter

// Register adds an adapter under its own name.
func (r Registry) Register(a Adapter) {
	r[a.Name()] = a
}
