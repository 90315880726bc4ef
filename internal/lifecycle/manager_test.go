package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/dispatch"
	"github.com/meridianbank/alertpipeline/internal/routing"
)

type memStore struct {
	mu     sync.Mutex
	alerts map[string]*alert.Alert
}

func newMemStore() *memStore {
	return &memStore{alerts: make(map[string]*alert.Alert)}
}

func (s *memStore) Create(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, alert.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return alert.ErrNotFound
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *memStore) GetOpenByFingerprint(_ context.Context, fp string) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Fingerprint == fp && !a.Status.Terminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, alert.ErrNotFound
}

func (s *memStore) List(_ context.Context, f Filter) ([]*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Team != "" && a.AssignedTeam != f.Team {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

type armCall struct {
	alertID  string
	severity alert.Severity
	level    int
}

type fakeScheduler struct {
	mu      sync.Mutex
	arms    []armCall
	cancels []string
}

func (s *fakeScheduler) Arm(_ context.Context, alertID string, sev alert.Severity, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arms = append(s.arms, armCall{alertID, sev, level})
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, alertID)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	jobs []alert.Job
}

func (s *fakeSender) Dispatch(_ context.Context, jobs []alert.Job) dispatch.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
	return dispatch.Report{Sent: len(jobs)}
}

func (s *fakeSender) all() []alert.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Job(nil), s.jobs...)
}

func testConfig() *config.Config {
	return &config.Config{
		Escalation: config.EscalationConfig{MaxLevel: 3},
		Dispatch:   config.DispatchConfig{MaxAttempts: 3},
		Routing: config.RoutingConfig{
			DefaultTeam:        "operations",
			DefaultChannels:    []string{"email"},
			EscalationChannels: []string{"sms", "slack"},
			Teams: map[string]config.TeamConfig{
				"operations": {Email: "ops@example.com", Phone: "+15550100"},
				"fraud":      {Email: "fraud@example.com"},
			},
		},
	}
}

func newTestManager(t *testing.T, rules []routing.Rule) (*Manager, *memStore, *fakeScheduler, *fakeSender) {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := routing.NewEngine(cfg.Routing, logger, rules)
	require.NoError(t, err)

	store := newMemStore()
	sched := &fakeScheduler{}
	sender := &fakeSender{}
	mgr := NewManager(cfg, logger, store, engine, sched, sender, NewRenderer(cfg.Routing), nil, nil)
	return mgr, store, sched, sender
}

func sampleFact() alert.Fact {
	return alert.Fact{
		Kind:        "threshold_breach",
		Severity:    alert.SeverityMedium,
		Title:       "Transaction volume threshold exceeded",
		Description: "Hourly volume exceeded configured ceiling",
		SubjectType: "account",
		SubjectID:   "ACC-1042",
	}
}

func TestAdmitCreatesAlert(t *testing.T) {
	mgr, _, sched, sender := newTestManager(t, nil)
	ctx := context.Background()

	a, created, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, alert.StatusOpen, a.Status)
	assert.Equal(t, 1, a.OccurrenceCount)
	assert.Equal(t, "operations", a.AssignedTeam)
	assert.NotEmpty(t, a.Fingerprint)

	require.Len(t, sched.arms, 1)
	assert.Equal(t, a.ID, sched.arms[0].alertID)
	assert.Equal(t, 1, sched.arms[0].level)

	mgr.Close()
	jobs := sender.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, alert.ChannelEmail, jobs[0].Channel)
	assert.Equal(t, "ops@example.com", jobs[0].Payload.Recipient)
	assert.Contains(t, jobs[0].Payload.Subject, "MEDIUM")
}

func TestAdmitDeduplicates(t *testing.T) {
	mgr, _, sched, sender := newTestManager(t, nil)
	ctx := context.Background()

	first, created, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)

	// Folding does not re-arm escalation or re-notify.
	assert.Len(t, sched.arms, 1)
	mgr.Close()
	assert.Len(t, sender.all(), 1)
}

func TestAdmitDuplicateRaisesSeverity(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)

	hotter := sampleFact()
	hotter.Severity = alert.SeverityHigh
	a, created, err := mgr.Admit(ctx, hotter)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, alert.SeverityHigh, a.Severity)

	// A cooler duplicate is absorbed without lowering.
	cooler := sampleFact()
	cooler.Severity = alert.SeverityLow
	a, _, err = mgr.Admit(ctx, cooler)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityHigh, a.Severity)
	assert.Equal(t, 3, a.OccurrenceCount)
}

func TestAdmitRejectsInvalidFacts(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	f := sampleFact()
	f.Title = ""
	_, _, err := mgr.Admit(ctx, f)
	assert.Error(t, err)

	f = sampleFact()
	f.Severity = "catastrophic"
	_, _, err = mgr.Admit(ctx, f)
	assert.Error(t, err)
}

func TestAdmitConcurrentSameFingerprint(t *testing.T) {
	mgr, store, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := mgr.Admit(ctx, sampleFact())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	mgr.Close()

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, n, all[0].OccurrenceCount)
}

func TestAcknowledge(t *testing.T) {
	mgr, _, sched, _ := newTestManager(t, nil)
	ctx := context.Background()

	a, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)

	require.NoError(t, mgr.Acknowledge(ctx, a.ID, "analyst1"))

	got, err := mgr.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, got.Status)
	require.NotNil(t, got.AcknowledgedBy)
	assert.Equal(t, "analyst1", *got.AcknowledgedBy)
	assert.Contains(t, sched.cancels, a.ID)

	// Acknowledging twice is a transition violation.
	err = mgr.Acknowledge(ctx, a.ID, "analyst1")
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)
}

func TestResolveClosesDedupWindow(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)

	require.NoError(t, mgr.Resolve(ctx, first.ID, "analyst1", "false positive"))

	got, err := mgr.GetAlert(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, got.Status)
	require.NotNil(t, got.ResolutionNotes)
	assert.Equal(t, "false positive", *got.ResolutionNotes)

	// The same fact now opens a fresh alert with its own count.
	second, created, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.OccurrenceCount)
	mgr.Close()
}

func TestResolveFromAcknowledged(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	a, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)

	require.NoError(t, mgr.Acknowledge(ctx, a.ID, "analyst1"))
	require.NoError(t, mgr.Resolve(ctx, a.ID, "analyst1", ""))

	err = mgr.Resolve(ctx, a.ID, "analyst1", "")
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)
	mgr.Close()
}

func TestEscalateRaisesSeverityAndRearms(t *testing.T) {
	mgr, _, sched, sender := newTestManager(t, nil)
	ctx := context.Background()

	a, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)

	require.NoError(t, mgr.Escalate(ctx, a.ID))

	got, err := mgr.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityHigh, got.Severity)
	assert.Equal(t, 1, got.EscalationLevel)

	require.Len(t, sched.arms, 2)
	assert.Equal(t, 2, sched.arms[1].level)
	assert.Equal(t, alert.SeverityHigh, sched.arms[1].severity)

	mgr.Close()
	assert.Len(t, sender.all(), 2)
}

func TestEscalateToCriticalAddsEscalationChannels(t *testing.T) {
	mgr, _, _, sender := newTestManager(t, nil)
	ctx := context.Background()

	f := sampleFact()
	f.Severity = alert.SeverityHigh
	a, _, err := mgr.Admit(ctx, f)
	require.NoError(t, err)

	require.NoError(t, mgr.Escalate(ctx, a.ID))

	got, err := mgr.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityCritical, got.Severity)

	mgr.Close()
	channels := make(map[alert.Channel]bool)
	for _, j := range sender.all() {
		channels[j.Channel] = true
	}
	assert.True(t, channels[alert.ChannelSMS])
	assert.True(t, channels[alert.ChannelSlack])
}

func TestEscalateAtCriticalIsNoOp(t *testing.T) {
	mgr, _, sched, _ := newTestManager(t, nil)
	ctx := context.Background()

	f := sampleFact()
	f.Severity = alert.SeverityCritical
	a, _, err := mgr.Admit(ctx, f)
	require.NoError(t, err)

	armsBefore := len(sched.arms)
	require.NoError(t, mgr.Escalate(ctx, a.ID))

	got, err := mgr.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityCritical, got.Severity)
	assert.Equal(t, 0, got.EscalationLevel)
	assert.Len(t, sched.arms, armsBefore)
	mgr.Close()
}

func TestEscalateResolvedAlertFails(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	a, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	require.NoError(t, mgr.Resolve(ctx, a.ID, "analyst1", ""))

	err = mgr.Escalate(ctx, a.ID)
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)
	mgr.Close()
}

func TestLifecycleUnknownAlert(t *testing.T) {
	mgr, _, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, mgr.Acknowledge(ctx, "missing", "x"), alert.ErrNotFound)
	assert.ErrorIs(t, mgr.Resolve(ctx, "missing", "x", ""), alert.ErrNotFound)
	assert.ErrorIs(t, mgr.Escalate(ctx, "missing"), alert.ErrNotFound)
}

func TestAdmitRoutesByRule(t *testing.T) {
	rules := []routing.Rule{
		{
			Name:      "fraud-to-fraud-team",
			Priority:  10,
			Predicate: `kind == "threshold_breach"`,
			Team:      "fraud",
			Channels:  []alert.Channel{alert.ChannelEmail, alert.ChannelWebhook},
		},
	}
	mgr, _, _, sender := newTestManager(t, rules)
	ctx := context.Background()

	a, _, err := mgr.Admit(ctx, sampleFact())
	require.NoError(t, err)
	assert.Equal(t, "fraud", a.AssignedTeam)

	mgr.Close()
	jobs := sender.all()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		if j.Channel == alert.ChannelEmail {
			assert.Equal(t, "fraud@example.com", j.Payload.Recipient)
		}
	}
}
