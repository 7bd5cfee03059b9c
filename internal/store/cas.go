package store

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// maxCASAttempts bounds the optimistic update loop.
const maxCASAttempts = 128

// casBackend is a versioned document store without native atomic increments.
// Version 0 means the document does not exist.
type casBackend interface {
	load(key Key) (*Record, uint64, error)
	compareAndSwap(ctx context.Context, key Key, version uint64, rec *Record) (bool, error)
}

// casStore implements the mutating Store methods on top of a casBackend with
// read-version / write-if-unchanged / retry-on-conflict.
type casStore struct {
	backend casBackend
}

func (s casStore) Get(ctx context.Context, key Key) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, version, err := s.backend.load(key)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s casStore) Increment(ctx context.Context, key Key, amount float64, now time.Time) (*Record, error) {
	rec, _, err := s.update(ctx, key, true, func(r *Record) bool {
		return applyIncrement(r, amount, now)
	})
	return rec, err
}

func (s casStore) Escalate(ctx context.Context, key Key, status Status, now time.Time) (bool, error) {
	_, changed, err := s.update(ctx, key, false, func(r *Record) bool {
		return applyEscalate(r, status, now)
	})
	return changed, err
}

func (s casStore) ClaimWarning(ctx context.Context, key Key, day string) (bool, error) {
	_, changed, err := s.update(ctx, key, false, func(r *Record) bool {
		return applyClaimWarning(r, day)
	})
	return changed, err
}

// update runs fn against the latest version of key and writes the result back
// only if nobody else wrote in between. When create is false a missing record
// is left alone.
func (s casStore) update(ctx context.Context, key Key, create bool, fn func(*Record) bool) (*Record, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		rec, version, err := s.backend.load(key)
		if err != nil {
			return nil, false, err
		}
		if version == 0 {
			if !create {
				return nil, false, nil
			}
			rec = newRecord(key)
		}

		if !fn(rec) {
			return rec, false, nil
		}

		ok, err := s.backend.compareAndSwap(ctx, key, version, rec)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return rec.Clone(), true, nil
		}
		runtime.Gosched()
	}
	return nil, false, fmt.Errorf("updating %s after %d attempts: %w", key, maxCASAttempts, ErrConflict)
}
