package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aiox-platform/usagegate/internal/metrics"
	"github.com/aiox-platform/usagegate/internal/store"
)

// Options tunes the gate, the recorder and rollover.
type Options struct {
	// SafetyEnabled=false turns every admission check into an allow.
	SafetyEnabled      bool
	DefaultGranularity Granularity
	StoreTimeout       time.Duration
	WriteRetries       int
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultGranularity == "" {
		o.DefaultGranularity = Daily
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.WriteRetries < 0 {
		o.WriteRetries = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// resolver maps a service to its policy and current period key.
type resolver struct {
	policies *PolicySet
	def      Granularity
}

func (r resolver) granularity(service string) (Policy, bool, Granularity) {
	p, ok := r.policies.Get(service)
	if !ok {
		return Policy{}, false, r.def
	}
	return p, true, p.Granularity
}

func (r resolver) resolve(service string, now time.Time) (Policy, bool, store.Key) {
	p, ok, g := r.granularity(service)
	return p, ok, store.Key{Service: service, Period: g.PeriodKey(now)}
}

// Gate answers admission questions from the current period's record.
// It never writes and fails open when the store cannot be read.
type Gate struct {
	resolver
	store   store.Store
	safety  bool
	timeout time.Duration
	now     func() time.Time
}

func NewGate(st store.Store, policies *PolicySet, opts Options) *Gate {
	opts = opts.withDefaults()
	return &Gate{
		resolver: resolver{policies: policies, def: opts.DefaultGranularity},
		store:    st,
		safety:   opts.SafetyEnabled,
		timeout:  opts.StoreTimeout,
		now:      opts.Now,
	}
}

// CheckLimit reports whether a new cost-incurring operation may start for
// service.
func (g *Gate) CheckLimit(ctx context.Context, service string) bool {
	if !g.safety {
		return true
	}

	policy, known, key := g.resolve(service, g.now())
	if !known {
		metrics.AdmissionDecisionsTotal.WithLabelValues("unknown", "allowed").Inc()
		return true
	}

	rec, err := g.read(ctx, key)
	if err != nil {
		slog.Warn("quota: usage store read failed, allowing request", "service", service, "error", err)
		metrics.AdmissionDecisionsTotal.WithLabelValues(service, "fail_open").Inc()
		return true
	}
	if rec == nil {
		metrics.AdmissionDecisionsTotal.WithLabelValues(service, "allowed").Inc()
		return true
	}

	if rec.Status == store.StatusStopped || rec.CurrentUsage >= policy.StopThreshold {
		slog.Debug("quota: admission denied",
			"service", service,
			"usage", rec.CurrentUsage,
			"stop_threshold", policy.StopThreshold,
			"status", rec.Status,
		)
		metrics.AdmissionDecisionsTotal.WithLabelValues(service, "denied").Inc()
		return false
	}

	metrics.AdmissionDecisionsTotal.WithLabelValues(service, "allowed").Inc()
	return true
}

// IsServiceStopped reports whether the current period's record is stopped.
func (g *Gate) IsServiceStopped(ctx context.Context, service string) bool {
	if !g.safety {
		return false
	}

	_, _, key := g.resolve(service, g.now())
	rec, err := g.read(ctx, key)
	if err != nil {
		slog.Warn("quota: usage store read failed, reporting not stopped", "service", service, "error", err)
		return false
	}
	return rec != nil && rec.Status == store.StatusStopped
}

// read returns nil, nil when the record does not exist.
func (g *Gate) read(ctx context.Context, key store.Key) (*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("read").Inc()
		return nil, err
	}
	return rec, nil
}
