package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("usage record not found")

	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("usage record update conflict")
)

// Store is the durable home of per-(service, period) usage counters.
// Implementations must be safe for concurrent use and every mutating
// method must be atomic for its key.
type Store interface {
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// Increment atomically adds amount to the counter, creating the record
	// with status active when it does not exist, and returns the record as
	// it is after the increment.
	Increment(ctx context.Context, key Key, amount float64, now time.Time) (*Record, error)

	// Escalate moves the record's status forward to status. It never
	// lowers a status. It reports true only for the caller that performed
	// the transition. Moving to stopped sets StoppedAt once.
	// A missing record is left alone and reports false.
	Escalate(ctx context.Context, key Key, status Status, now time.Time) (bool, error)

	// ClaimWarning sets LastWarningDate to day unless it already equals day.
	// It reports true only for the caller that changed it.
	ClaimWarning(ctx context.Context, key Key, day string) (bool, error)

	// ListPeriod returns every record stored for period.
	ListPeriod(ctx context.Context, period string) ([]*Record, error)

	// PutArchive upserts an archived record under its (service, period) key.
	PutArchive(ctx context.Context, rec *ArchiveRecord) error

	// GetArchive returns the archived record for key or ErrNotFound.
	GetArchive(ctx context.Context, key Key) (*ArchiveRecord, error)

	// Close releases resources held by the store.
	Close() error
}

// probeKey never matches a real record: service names come from callers
// and periods are always dates.
var probeKey = Key{Service: "usagegate-readiness-probe", Period: "0000-00"}

// Ping reports whether st can serve reads. A missing record counts as
// reachable.
func Ping(ctx context.Context, st Store) error {
	_, err := st.Get(ctx, probeKey)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
