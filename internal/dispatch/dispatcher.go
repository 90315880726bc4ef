// Package dispatch fans notification jobs out to channel adapters under a
// bounded concurrency cap, with centralized retry, per-channel rate limiting
// and circuit-breaker admission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/meridianbank/alertpipeline/internal/alert"
	"github.com/meridianbank/alertpipeline/internal/breaker"
	"github.com/meridianbank/alertpipeline/internal/channel"
	"github.com/meridianbank/alertpipeline/internal/config"
	"github.com/meridianbank/alertpipeline/internal/metrics"
)

// AuditSink receives terminal per-job delivery outcomes. Implemented by the
// delivery-audit repository; tests substitute an in-memory sink.
type AuditSink interface {
	AppendDelivery(ctx context.Context, record *alert.DeliveryRecord) error
}

// JobResult is the terminal outcome of one job after its retry budget.
type JobResult struct {
	Job      alert.Job
	Status   string
	Attempts int
	Err      error
}

// Report summarizes one Dispatch call.
type Report struct {
	Sent    int
	Failed  int
	Results []JobResult
}

// Dispatcher executes notification jobs. Safe for concurrent use; the
// semaphore bounds in-flight adapter calls across all callers.
type Dispatcher struct {
	cfg      config.DispatchConfig
	logger   *slog.Logger
	adapters channel.Registry
	breaker  *breaker.Tracker
	policy   RetryPolicy
	audit    AuditSink
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	limiterMu sync.RWMutex
	limiters  map[alert.Channel]*rate.Limiter

	// sleep is replaceable in tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher.
func New(
	cfg config.DispatchConfig,
	logger *slog.Logger,
	adapters channel.Registry,
	tracker *breaker.Tracker,
	audit AuditSink,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		adapters: adapters,
		breaker:  tracker,
		policy:   NewRetryPolicy(cfg),
		audit:    audit,
		metrics:  m,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiters: make(map[alert.Channel]*rate.Limiter),
		sleep:    sleepCtx,
	}
}

// SetRateLimit installs a per-channel rate limiter for outbound sends.
func (d *Dispatcher) SetRateLimit(ch alert.Channel, cfg config.RateLimitConfig) {
	if !cfg.Enabled {
		return
	}
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	d.limiters[ch] = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.Burst)
}

// Dispatch runs all jobs to a terminal outcome and returns the batch report.
// Jobs are partitioned into bounded batches; within a batch each job runs on
// its own worker gated by the shared semaphore, so fan-out never exceeds the
// configured concurrency cap regardless of batch size.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []alert.Job) Report {
	report := Report{Results: make([]JobResult, 0, len(jobs))}
	if len(jobs) == 0 {
		return report
	}

	start := time.Now()
	resultCh := make(chan JobResult, len(jobs))

	var wg sync.WaitGroup
	for _, batch := range d.partition(jobs) {
		for _, job := range batch {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				resultCh <- JobResult{Job: job, Status: alert.DeliveryFailed, Err: err}
				continue
			}
			wg.Add(1)
			go func(job alert.Job) {
				defer wg.Done()
				defer d.sem.Release(1)
				resultCh <- d.run(ctx, job)
			}(job)
		}
	}

	wg.Wait()
	close(resultCh)

	for res := range resultCh {
		if res.Status == alert.DeliverySent {
			report.Sent++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}

	d.logger.Info("Batch dispatch completed",
		"jobs", len(jobs),
		"sent", report.Sent,
		"failed", report.Failed,
		"duration", time.Since(start))

	if d.metrics != nil {
		d.metrics.ObserveDispatchDuration(time.Since(start))
	}

	return report
}

// run drives one job to a terminal outcome and records the audit entry.
func (d *Dispatcher) run(ctx context.Context, job alert.Job) JobResult {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.policy.MaxAttempts()
	}

	adapter, ok := d.adapters[job.Channel]
	if !ok {
		err := fmt.Errorf("no adapter registered for channel %s", job.Channel)
		res := JobResult{Job: job, Status: alert.DeliveryFailed, Err: err}
		d.recordAudit(ctx, res, "")
		return res
	}

	var lastErr error
	var providerRef string

	for job.Attempt < job.MaxAttempts {
		job.Attempt++

		if err := d.waitRateLimit(ctx, job.Channel); err != nil {
			lastErr = err
			break
		}

		// Circuit admission. An open breaker fails the job without touching
		// the adapter; the audit trail records it as suppressed, not failed.
		if err := d.breaker.Allow(job.Channel); err != nil {
			res := JobResult{Job: job, Status: alert.DeliverySuppressed, Attempts: job.Attempt, Err: err}
			d.observe(job.Channel, alert.DeliverySuppressed)
			d.recordAudit(ctx, res, "")
			return res
		}

		result, err := d.attempt(ctx, adapter, job)
		if err == nil {
			d.breaker.RecordSuccess(job.Channel)
			providerRef = result.ProviderRef
			res := JobResult{Job: job, Status: alert.DeliverySent, Attempts: job.Attempt}
			d.observe(job.Channel, alert.DeliverySent)
			d.recordAudit(ctx, res, providerRef)
			return res
		}

		// Timeouts count as transport failures for breaker accounting.
		d.breaker.RecordFailure(job.Channel)
		lastErr = err
		d.logger.Warn("Delivery attempt failed",
			"alert_id", job.AlertID,
			"channel", job.Channel,
			"attempt", job.Attempt,
			"error", err)

		if job.Attempt < job.MaxAttempts {
			if err := d.sleep(ctx, d.policy.Delay(job.Attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	res := JobResult{
		Job:      job,
		Status:   alert.DeliveryFailed,
		Attempts: job.Attempt,
		Err:      fmt.Errorf("%w: %v", alert.ErrDeliveryFailed, lastErr),
	}
	d.observe(job.Channel, alert.DeliveryFailed)
	d.recordAudit(ctx, res, "")
	return res
}

// attempt runs a single adapter call under the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, adapter channel.Adapter, job alert.Job) (channel.Result, error) {
	attemptCtx := ctx
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	return adapter.Send(attemptCtx, job)
}

func (d *Dispatcher) waitRateLimit(ctx context.Context, ch alert.Channel) error {
	d.limiterMu.RLock()
	limiter, ok := d.limiters[ch]
	d.limiterMu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

func (d *Dispatcher) partition(jobs []alert.Job) [][]alert.Job {
	size := d.cfg.BatchSize
	if size <= 0 {
		size = len(jobs)
	}
	var batches [][]alert.Job
	for len(jobs) > 0 {
		n := size
		if n > len(jobs) {
			n = len(jobs)
		}
		batches = append(batches, jobs[:n])
		jobs = jobs[n:]
	}
	return batches
}

// recordAudit persists the terminal outcome. Audit failures are logged, never
// propagated; delivery trouble must not disturb the lifecycle layer.
func (d *Dispatcher) recordAudit(ctx context.Context, res JobResult, providerRef string) {
	if d.audit == nil {
		return
	}

	record := &alert.DeliveryRecord{
		ID:        uuid.NewString(),
		AlertID:   res.Job.AlertID,
		Channel:   res.Job.Channel,
		Status:    res.Status,
		Attempts:  res.Attempts,
		CreatedAt: time.Now().UTC(),
	}
	if providerRef != "" {
		record.ProviderRef = &providerRef
	}
	if res.Err != nil {
		msg := res.Err.Error()
		record.Error = &msg
	}

	if err := d.audit.AppendDelivery(ctx, record); err != nil {
		d.logger.Error("Failed to append delivery audit record",
			"alert_id", res.Job.AlertID,
			"channel", res.Job.Channel,
			"error", err)
	}
}

func (d *Dispatcher) observe(ch alert.Channel, status string) {
	if d.metrics != nil {
		d.metrics.IncDispatchResult(string(ch), status)
	}
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetSleep overrides the backoff sleeper. Test use only.
func (d *Dispatcher) SetSleep(fn func(ctx context.Context, dur time.Duration) error) {
	d.sleep = fn
}

// IsUnavailable reports whether err is a circuit short-circuit.
func IsUnavailable(err error) bool {
	return errors.Is(err, alert.ErrChannelUnavailable)
}
