package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/usagegate/internal/alert"
	"github.com/aiox-platform/usagegate/internal/store"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore wraps a Store and fails selected operations on demand.
type flakyStore struct {
	store.Store
	failReads      atomic.Bool
	failIncrements atomic.Int32 // remaining increment failures; -1 means always
	incrementCalls atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context, key store.Key) (*store.Record, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) ListPeriod(ctx context.Context, period string) ([]*store.Record, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.ListPeriod(ctx, period)
}

func (s *flakyStore) Increment(ctx context.Context, key store.Key, amount float64, now time.Time) (*store.Record, error) {
	s.incrementCalls.Add(1)
	for {
		n := s.failIncrements.Load()
		if n == 0 {
			break
		}
		if n < 0 {
			return nil, errStoreDown
		}
		if s.failIncrements.CompareAndSwap(n, n-1) {
			return nil, errStoreDown
		}
	}
	return s.Store.Increment(ctx, key, amount, now)
}

type sentAlert struct {
	Service string
	Type    alert.Type
	Usage   float64
	Limit   float64
}

// recordingAlerter captures alerts instead of delivering them.
type recordingAlerter struct {
	mu   sync.Mutex
	sent []sentAlert
	err  error
}

func (a *recordingAlerter) Send(_ context.Context, service string, typ alert.Type, usage, limit float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentAlert{Service: service, Type: typ, Usage: usage, Limit: limit})
	return a.err
}

func (a *recordingAlerter) count(typ alert.Type) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.sent {
		if s.Type == typ {
			n++
		}
	}
	return n
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store    *flakyStore
	policies *PolicySet
	alerter  *recordingAlerter
	clock    *testClock
	svc      *Service
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	policies, err := NewPolicySet(DefaultPolicies(100))
	require.NoError(t, err)

	f := &fixture{
		store:    &flakyStore{Store: store.NewMemoryStore()},
		policies: policies,
		alerter:  &recordingAlerter{},
		clock:    newTestClock(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)),
	}
	opts := Options{
		SafetyEnabled:      true,
		DefaultGranularity: Daily,
		StoreTimeout:       time.Second,
		WriteRetries:       2,
		Now:                f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	f.svc = NewService(f.store, policies, f.alerter, opts)
	f.svc.recorder.initialBackoff = time.Millisecond
	return f
}

func (f *fixture) record(t *testing.T, service string, amount float64, times int) UsageResult {
	t.Helper()
	var res UsageResult
	for i := 0; i < times; i++ {
		var err error
		res, err = f.svc.RecordUsage(context.Background(), service, amount)
		require.NoError(t, err)
	}
	return res
}
