package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aiox-platform/usagegate/internal/alert"
	"github.com/aiox-platform/usagegate/internal/metrics"
	"github.com/aiox-platform/usagegate/internal/store"
)

// Alerter sends threshold notifications.
type Alerter interface {
	Send(ctx context.Context, service string, typ alert.Type, currentUsage, limit float64) error
}

// Recorder adds usage to the current period and moves the record through
// active, warning and stopped as thresholds are crossed.
type Recorder struct {
	resolver
	store   store.Store
	alerter Alerter
	timeout time.Duration
	retries int
	now     func() time.Time

	initialBackoff time.Duration
}

func NewRecorder(st store.Store, policies *PolicySet, alerter Alerter, opts Options) *Recorder {
	opts = opts.withDefaults()
	return &Recorder{
		resolver:       resolver{policies: policies, def: opts.DefaultGranularity},
		store:          st,
		alerter:        alerter,
		timeout:        opts.StoreTimeout,
		retries:        opts.WriteRetries,
		now:            opts.Now,
		initialBackoff: 50 * time.Millisecond,
	}
}

// RecordUsage adds amount to service's counter for the current period and
// evaluates thresholds against the new total. Store failures are not
// returned: the increment is reported as dropped.
func (r *Recorder) RecordUsage(ctx context.Context, service string, amount float64) (UsageResult, error) {
	if service == "" {
		return UsageResult{}, ErrInvalidService
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return UsageResult{}, fmt.Errorf("recording %s usage of %v: %w", service, amount, ErrInvalidAmount)
	}

	now := r.now().UTC()
	policy, known, key := r.resolve(service, now)

	rec, err := r.increment(ctx, key, amount, now)
	if err != nil {
		slog.Error("quota: dropped usage increment",
			"service", service,
			"period", key.Period,
			"amount", amount,
			"error", err,
		)
		metrics.DroppedIncrementsTotal.Inc()
		res := UsageResult{Service: service, Period: key.Period, Status: store.StatusActive, Dropped: true}
		if known {
			res.Limit = &policy.Limit
			res.Unit = policy.Unit
		}
		return res, nil
	}

	res := buildResult(rec, policy, known)
	if !known {
		return res, nil
	}

	switch {
	case res.ShouldStop:
		changed, err := r.escalate(ctx, key, store.StatusStopped, now)
		if err != nil {
			slog.Warn("quota: marking service stopped failed", "service", service, "error", err)
		}
		res.Status = store.StatusStopped
		if changed {
			slog.Warn("quota: service stopped",
				"service", service,
				"period", key.Period,
				"usage", rec.CurrentUsage,
				"stop_threshold", policy.StopThreshold,
			)
			r.dispatch(ctx, service, alert.TypeStopped, rec.CurrentUsage, policy.Limit)
		}

	case res.ShouldWarn:
		changed, err := r.escalate(ctx, key, store.StatusWarning, now)
		if err != nil {
			slog.Warn("quota: marking service warning failed", "service", service, "error", err)
		}
		if !changed && err == nil && r.stoppedConcurrently(ctx, key) {
			res.Status = store.StatusStopped
			res.ShouldStop, res.ShouldWarn = true, false
			break
		}
		res.Status = store.StatusWarning
		claimed, err := r.claimWarning(ctx, key, now)
		if err != nil {
			slog.Warn("quota: claiming daily warning failed", "service", service, "error", err)
		}
		if claimed {
			r.dispatch(ctx, service, alert.TypeWarning, rec.CurrentUsage, policy.Limit)
		}
	}

	return res, nil
}

// GetUsage returns the current period's usage without modifying it.
func (r *Recorder) GetUsage(ctx context.Context, service string) (UsageResult, error) {
	if service == "" {
		return UsageResult{}, ErrInvalidService
	}

	policy, known, key := r.resolve(service, r.now())
	rec, err := r.get(ctx, key)
	if err != nil {
		return UsageResult{}, fmt.Errorf("reading %s usage: %w", service, err)
	}
	return buildResult(rec, policy, known), nil
}

// GetAllUsage returns the current usage of every configured service and of
// every other service that has recorded usage in its current period.
func (r *Recorder) GetAllUsage(ctx context.Context) (map[string]UsageResult, error) {
	now := r.now()
	out := make(map[string]UsageResult)

	for _, g := range r.policies.Granularities(r.def) {
		period := g.PeriodKey(now)
		recs, err := r.list(ctx, period)
		if err != nil {
			return nil, fmt.Errorf("listing usage for %s: %w", period, err)
		}
		for _, rec := range recs {
			policy, known, own := r.granularity(rec.Service)
			if own != g {
				continue
			}
			out[rec.Service] = buildResult(rec, policy, known)
		}
	}

	for _, name := range r.policies.Table().Services() {
		if _, ok := out[name]; ok {
			continue
		}
		policy, _, key := r.resolve(name, now)
		out[name] = buildResult(&store.Record{Service: name, Period: key.Period, Status: store.StatusActive}, policy, true)
	}
	return out, nil
}

func (r *Recorder) increment(ctx context.Context, key store.Key, amount float64, now time.Time) (*store.Record, error) {
	var rec *store.Record
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		var err error
		rec, err = r.store.Increment(actx, key, amount, now)
		if err != nil {
			metrics.StoreErrorsTotal.WithLabelValues("increment").Inc()
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.initialBackoff
	exp.MaxInterval = 20 * r.initialBackoff
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.retries)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		slog.Debug("quota: retrying usage increment", "key", key.String(), "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) escalate(ctx context.Context, key store.Key, status store.Status, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	changed, err := r.store.Escalate(ctx, key, status, now)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("escalate").Inc()
	}
	return changed, err
}

// stoppedConcurrently reports whether another caller has already stopped key.
func (r *Recorder) stoppedConcurrently(ctx context.Context, key store.Key) bool {
	rec, err := r.get(ctx, key)
	return err == nil && rec.Status == store.StatusStopped
}

func (r *Recorder) claimWarning(ctx context.Context, key store.Key, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	claimed, err := r.store.ClaimWarning(ctx, key, Daily.PeriodKey(now))
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("claim_warning").Inc()
	}
	return claimed, err
}

func (r *Recorder) get(ctx context.Context, key store.Key) (*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Record{Service: key.Service, Period: key.Period, Status: store.StatusActive}, nil
	}
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("read").Inc()
		return nil, err
	}
	return rec, nil
}

func (r *Recorder) list(ctx context.Context, period string) ([]*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	recs, err := r.store.ListPeriod(ctx, period)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("list").Inc()
	}
	return recs, err
}

// dispatch sends an alert whose transition has already been claimed, so it
// must not be abandoned when the caller's context ends.
func (r *Recorder) dispatch(ctx context.Context, service string, typ alert.Type, usage, limit float64) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Send(context.WithoutCancel(ctx), service, typ, usage, limit); err != nil {
		slog.Warn("quota: alert delivery failed", "service", service, "type", typ, "error", err)
	}
}

func buildResult(rec *store.Record, policy Policy, known bool) UsageResult {
	res := UsageResult{
		Service:      rec.Service,
		Period:       rec.Period,
		CurrentUsage: rec.CurrentUsage,
		Status:       rec.Status,
	}
	if !known {
		return res
	}

	limit := policy.Limit
	pct := alert.Percentage(rec.CurrentUsage, policy.Limit)
	res.Limit = &limit
	res.Unit = policy.Unit
	res.Percentage = &pct
	res.ShouldStop = rec.Status == store.StatusStopped || rec.CurrentUsage >= policy.StopThreshold
	res.ShouldWarn = !res.ShouldStop && rec.CurrentUsage >= policy.WarningThreshold
	return res
}
