package escalation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/config"
)

type memScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{schedules: make(map[string]*Schedule)}
}

func (s *memScheduleStore) Upsert(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.schedules {
		if existing.AlertID == sched.AlertID && existing.Level == sched.Level && existing.Status == SchedulePending {
			delete(s.schedules, id)
		}
	}
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *memScheduleStore) Due(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if sched.Status == SchedulePending && !sched.DueAt.After(now) {
			cp := *sched
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memScheduleStore) Finish(_ context.Context, id, status string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return alert.ErrNotFound
	}
	sched.Status = status
	sched.FiredAt = &firedAt
	return nil
}

func (s *memScheduleStore) CancelByAlert(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range s.schedules {
		if sched.AlertID == alertID && sched.Status == SchedulePending {
			sched.Status = ScheduleCancelled
		}
	}
	return nil
}

func (s *memScheduleStore) byAlert(alertID string) []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if sched.AlertID == alertID {
			cp := *sched
			out = append(out, &cp)
		}
	}
	return out
}

type fakeEscalator struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeEscalator) Escalate(_ context.Context, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertID)
	return f.errs[alertID]
}

func testScheduler(t *testing.T) (*Scheduler, *memScheduleStore, *fakeEscalator) {
	t.Helper()
	cfg := &config.Config{
		Escalation: config.EscalationConfig{
			ScanSchedule:  "*/15 * * * * *",
			MaxLevel:      3,
			CriticalDelay: 15 * time.Minute,
			HighDelay:     30 * time.Minute,
			MediumDelay:   time.Hour,
			LowDelay:      4 * time.Hour,
		},
	}
	store := newMemScheduleStore()
	esc := &fakeEscalator{errs: make(map[string]error)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, logger, store, esc, nil), store, esc
}

func TestArmUsesSeverityDelay(t *testing.T) {
	sched, store, _ := testScheduler(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return base })

	require.NoError(t, sched.Arm(context.Background(), "a1", alert.SeverityHigh, 1))

	got := store.byAlert("a1")
	require.Len(t, got, 1)
	assert.Equal(t, SchedulePending, got[0].Status)
	assert.Equal(t, base.Add(30*time.Minute), got[0].DueAt)
	assert.Equal(t, 1, got[0].Level)
}

func TestArmReplacesPendingSameLevel(t *testing.T) {
	sched, store, _ := testScheduler(t)
	ctx := context.Background()

	require.NoError(t, sched.Arm(ctx, "a1", alert.SeverityMedium, 1))
	require.NoError(t, sched.Arm(ctx, "a1", alert.SeverityHigh, 1))

	got := store.byAlert("a1")
	require.Len(t, got, 1)
	assert.Equal(t, "high", got[0].Severity)
}

func TestScanFiresDueSchedules(t *testing.T) {
	sched, store, esc := testScheduler(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return base })

	require.NoError(t, sched.Arm(ctx, "a1", alert.SeverityHigh, 1))
	require.NoError(t, sched.Arm(ctx, "a2", alert.SeverityLow, 1))

	// Not due yet.
	require.NoError(t, sched.Scan(ctx))
	assert.Empty(t, esc.calls)

	// Past the high delay but short of the low one.
	sched.SetClock(func() time.Time { return base.Add(31 * time.Minute) })
	require.NoError(t, sched.Scan(ctx))
	assert.Equal(t, []string{"a1"}, esc.calls)

	fired := store.byAlert("a1")
	require.Len(t, fired, 1)
	assert.Equal(t, ScheduleFired, fired[0].Status)
	require.NotNil(t, fired[0].FiredAt)

	pending := store.byAlert("a2")
	require.Len(t, pending, 1)
	assert.Equal(t, SchedulePending, pending[0].Status)
}

func TestScanSkipsMovedOnAlerts(t *testing.T) {
	sched, store, esc := testScheduler(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return base })

	require.NoError(t, sched.Arm(ctx, "acked", alert.SeverityCritical, 1))
	esc.errs["acked"] = fmt.Errorf("wrapped: %w", alert.ErrInvalidTransition)

	sched.SetClock(func() time.Time { return base.Add(16 * time.Minute) })
	require.NoError(t, sched.Scan(ctx))

	got := store.byAlert("acked")
	require.Len(t, got, 1)
	assert.Equal(t, ScheduleSkipped, got[0].Status)
}

func TestScanRetainsScheduleOnTransientError(t *testing.T) {
	sched, store, esc := testScheduler(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return base })

	require.NoError(t, sched.Arm(ctx, "flaky", alert.SeverityCritical, 1))
	esc.errs["flaky"] = fmt.Errorf("store unavailable")

	sched.SetClock(func() time.Time { return base.Add(20 * time.Minute) })
	require.NoError(t, sched.Scan(ctx))

	// Still pending, so the next scan retries.
	got := store.byAlert("flaky")
	require.Len(t, got, 1)
	assert.Equal(t, SchedulePending, got[0].Status)

	esc.errs["flaky"] = nil
	require.NoError(t, sched.Scan(ctx))
	got = store.byAlert("flaky")
	assert.Equal(t, ScheduleFired, got[0].Status)
}

func TestCancelDropsPendingSchedules(t *testing.T) {
	sched, store, esc := testScheduler(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return base })

	require.NoError(t, sched.Arm(ctx, "a1", alert.SeverityHigh, 1))
	require.NoError(t, sched.Cancel(ctx, "a1"))

	sched.SetClock(func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, sched.Scan(ctx))
	assert.Empty(t, esc.calls)

	got := store.byAlert("a1")
	require.Len(t, got, 1)
	assert.Equal(t, ScheduleCancelled, got[0].Status)
}
