package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aiox-platform/usagegate/internal/metrics"
	"github.com/aiox-platform/usagegate/internal/store"
)

// Roller archives the records of periods that have just closed. Live records
// are never modified, so the new period starts from an absent record.
type Roller struct {
	resolver
	store   store.Store
	timeout time.Duration
	now     func() time.Time
}

func NewRoller(st store.Store, policies *PolicySet, opts Options) *Roller {
	opts = opts.withDefaults()
	return &Roller{
		resolver: resolver{policies: policies, def: opts.DefaultGranularity},
		store:    st,
		timeout:  opts.StoreTimeout,
		now:      opts.Now,
	}
}

// Rollover copies every record of the previous daily and monthly periods into
// the archive. Re-running it rewrites the same archive entries and keeps the
// time they were first archived.
func (r *Roller) Rollover(ctx context.Context) (RolloverResult, error) {
	now := r.now().UTC()
	archived := map[string]bool{}
	var errs []error

	for _, g := range r.policies.Granularities(r.def) {
		period := g.PreviousPeriodKey(now)

		recs, err := r.list(ctx, period)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing period %s: %w", period, err))
			continue
		}

		for _, rec := range recs {
			entry := &store.ArchiveRecord{Record: *rec, ArchivedAt: now}
			prev, err := r.GetArchive(ctx, rec.Service, rec.Period)
			switch {
			case err == nil:
				entry.ArchivedAt = prev.ArchivedAt
			case !errors.Is(err, store.ErrNotFound):
				metrics.StoreErrorsTotal.WithLabelValues("archive").Inc()
				errs = append(errs, fmt.Errorf("reading archive %s: %w", rec.Key(), err))
				continue
			}
			if err := r.put(ctx, entry); err != nil {
				errs = append(errs, fmt.Errorf("archiving %s: %w", rec.Key(), err))
				continue
			}
			archived[rec.Service] = true
			metrics.RolloverArchivedTotal.Inc()
		}

		slog.Info("quota: period archived", "granularity", g, "period", period, "records", len(recs))
	}

	services := make([]string, 0, len(archived))
	for s := range archived {
		services = append(services, s)
	}
	sort.Strings(services)

	return RolloverResult{ArchivedServices: services}, errors.Join(errs...)
}

// GetArchive reads one archived record.
func (r *Roller) GetArchive(ctx context.Context, service, period string) (*store.ArchiveRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.GetArchive(ctx, store.Key{Service: service, Period: period})
}

func (r *Roller) list(ctx context.Context, period string) ([]*store.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	recs, err := r.store.ListPeriod(ctx, period)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("list").Inc()
	}
	return recs, err
}

func (r *Roller) put(ctx context.Context, entry *store.ArchiveRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.store.PutArchive(ctx, entry)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("archive").Inc()
	}
	return err
}
