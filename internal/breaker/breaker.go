// Package breaker tracks per-channel delivery health and short-circuits
// dispatch to channels whose provider is failing.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

// State is the circuit state for one channel.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ChannelHealth is a point-in-time snapshot of one channel's circuit,
// exposed on the health endpoint and persisted for observability.
type ChannelHealth struct {
	Channel      alert.Channel `json:"channel"`
	State        State         `json:"state"`
	FailureCount int           `json:"failure_count"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
	CoolDown     time.Duration `json:"cool_down"`
}

type circuit struct {
	state         State
	failureCount  int
	openedAt      time.Time
	coolDown      time.Duration
	probeInFlight bool
}

// Tracker keeps one circuit per channel. All dispatcher workers share a
// single Tracker; every method is safe for concurrent use.
type Tracker struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	circuits map[alert.Channel]*circuit

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a tracker with all circuits closed.
func New(cfg config.BreakerConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		circuits: make(map[alert.Channel]*circuit),
		now:      time.Now,
	}
}

func (t *Tracker) circuitFor(ch alert.Channel) *circuit {
	c, ok := t.circuits[ch]
	if !ok {
		c = &circuit{state: StateClosed, coolDown: t.cfg.CoolDown}
		t.circuits[ch] = c
	}
	return c
}

// Allow reports whether a dispatch attempt to the channel may proceed.
// While the circuit is open and inside its cool-down it returns
// ErrChannelUnavailable without the adapter ever being invoked. Once the
// cool-down elapses the circuit moves to half-open and exactly one probe is
// let through; further callers keep getting ErrChannelUnavailable until the
// probe reports back.
func (t *Tracker) Allow(ch alert.Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.circuitFor(ch)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if t.now().Sub(c.openedAt) < c.coolDown {
			return alert.ErrChannelUnavailable
		}
		c.state = StateHalfOpen
		c.probeInFlight = true
		t.logger.Info("Circuit half-open, allowing probe", "channel", ch)
		return nil
	case StateHalfOpen:
		if c.probeInFlight {
			return alert.ErrChannelUnavailable
		}
		c.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess reports a successful delivery attempt on the channel.
// A successful half-open probe closes the circuit and resets both the
// failure count and the cool-down window.
func (t *Tracker) RecordSuccess(ch alert.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.circuitFor(ch)
	if c.state == StateHalfOpen {
		t.logger.Info("Circuit closed after successful probe", "channel", ch)
	}
	c.state = StateClosed
	c.failureCount = 0
	c.coolDown = t.cfg.CoolDown
	c.probeInFlight = false
}

// RecordFailure reports a failed delivery attempt on the channel. Reaching
// the consecutive-failure threshold opens the circuit; a failed half-open
// probe reopens it with a grown cool-down, capped at the configured maximum.
func (t *Tracker) RecordFailure(ch alert.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.circuitFor(ch)
	c.failureCount++

	switch c.state {
	case StateClosed:
		if c.failureCount >= t.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = t.now()
			t.logger.Warn("Circuit opened",
				"channel", ch,
				"failure_count", c.failureCount,
				"cool_down", c.coolDown)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = t.now()
		c.probeInFlight = false
		c.coolDown = t.growCoolDown(c.coolDown)
		t.logger.Warn("Circuit reopened after failed probe",
			"channel", ch,
			"cool_down", c.coolDown)
	}
}

func (t *Tracker) growCoolDown(current time.Duration) time.Duration {
	if t.cfg.CoolDownGrowth <= 1 {
		return current
	}
	grown := time.Duration(float64(current) * t.cfg.CoolDownGrowth)
	if t.cfg.MaxCoolDown > 0 && grown > t.cfg.MaxCoolDown {
		return t.cfg.MaxCoolDown
	}
	return grown
}

// StateOf returns the current state for a channel.
func (t *Tracker) StateOf(ch alert.Channel) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.circuitFor(ch).state
}

// Snapshot returns the health of every channel the tracker has seen.
func (t *Tracker) Snapshot() []ChannelHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ChannelHealth, 0, len(t.circuits))
	for ch, c := range t.circuits {
		h := ChannelHealth{
			Channel:      ch,
			State:        c.state,
			FailureCount: c.failureCount,
			CoolDown:     c.coolDown,
		}
		if c.state != StateClosed {
			opened := c.openedAt
			h.OpenedAt = &opened
		}
		out = append(out, h)
	}
	return out
}

// SetClock overrides the tracker's time source. Test use only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
