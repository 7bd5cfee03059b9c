package quota

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/usagegate/internal/alert"
	"github.com/aiox-platform/usagegate/internal/store"
)

func TestRecordUsage_ChatCallsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.record(t, "chat_calls", 1, 150)
	assert.Equal(t, 150.0, res.CurrentUsage)
	assert.Equal(t, store.StatusActive, res.Status)
	require.NotNil(t, res.Percentage)
	assert.Equal(t, "75.0", *res.Percentage)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 200.0, *res.Limit)
	assert.Equal(t, "calls", res.Unit)
	assert.False(t, res.ShouldWarn)
	assert.Zero(t, f.alerter.count(alert.TypeWarning))

	res = f.record(t, "chat_calls", 1, 15)
	assert.Equal(t, 165.0, res.CurrentUsage)
	assert.Equal(t, store.StatusWarning, res.Status)
	assert.True(t, res.ShouldWarn)
	assert.Equal(t, 1, f.alerter.count(alert.TypeWarning), "one warning alert per day")
	assert.True(t, f.svc.CheckLimit(ctx, "chat_calls"))

	res = f.record(t, "chat_calls", 1, 30)
	assert.Equal(t, 195.0, res.CurrentUsage)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.True(t, res.ShouldStop)
	assert.False(t, res.ShouldWarn)
	assert.Equal(t, 1, f.alerter.count(alert.TypeStopped), "stop alert fires once per crossing")
	assert.Equal(t, 1, f.alerter.count(alert.TypeWarning))

	assert.False(t, f.svc.CheckLimit(ctx, "chat_calls"))
	assert.True(t, f.svc.IsServiceStopped(ctx, "chat_calls"))

	rec, err := f.store.Get(ctx, store.Key{Service: "chat_calls", Period: "2026-03"})
	require.NoError(t, err)
	require.NotNil(t, rec.StoppedAt)
	require.NotNil(t, rec.LastWarningDate)
	assert.Equal(t, "2026-03-14", *rec.LastWarningDate)
}

func TestRecordUsage_WarningOncePerDay(t *testing.T) {
	f := newFixture(t)

	f.record(t, "chat_calls", 161, 1)
	f.record(t, "chat_calls", 1, 5)
	assert.Equal(t, 1, f.alerter.count(alert.TypeWarning))

	f.clock.Set(time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC))
	res := f.record(t, "chat_calls", 1, 4)
	assert.Equal(t, 170.0, res.CurrentUsage, "monthly counter carries across days")
	assert.Equal(t, 2, f.alerter.count(alert.TypeWarning), "a new day allows one more warning")
}

func TestRecordUsage_StopIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, "chat_calls", 190, 1)
	require.True(t, f.svc.IsServiceStopped(ctx, "chat_calls"))

	res := f.record(t, "chat_calls", 0, 1)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.True(t, res.ShouldStop)

	// Even a policy loosened mid-period does not reopen the gate.
	loosened := DefaultPolicies(100)
	p := loosened["chat_calls"]
	p.Limit, p.WarningThreshold, p.StopThreshold = 1000, 800, 950
	loosened["chat_calls"] = p
	require.NoError(t, f.policies.Replace(loosened))

	assert.False(t, f.svc.CheckLimit(ctx, "chat_calls"))
	res = f.record(t, "chat_calls", 1, 1)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.Equal(t, 1, f.alerter.count(alert.TypeStopped))
}

func TestRecordUsage_DirectlyToStopSkipsWarning(t *testing.T) {
	f := newFixture(t)

	res := f.record(t, "messages", 500, 1)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.Equal(t, "100.0", *res.Percentage)
	assert.Equal(t, 1, f.alerter.count(alert.TypeStopped))
	assert.Zero(t, f.alerter.count(alert.TypeWarning))
}

// stalledAlertLog never completes an insert before its context ends.
type stalledAlertLog struct{}

func (stalledAlertLog) Insert(ctx context.Context, _ *alert.Alert) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledAlertLog) List(context.Context, alert.ListParams) ([]alert.Alert, error) {
	return nil, nil
}

func TestRecordUsage_StalledAlertLogIsBounded(t *testing.T) {
	policies, err := NewPolicySet(DefaultPolicies(100))
	require.NoError(t, err)
	dispatcher := alert.NewDispatcher(stalledAlertLog{}, alert.WithWebhook("", 50*time.Millisecond))
	svc := NewService(store.NewMemoryStore(), policies, dispatcher, Options{
		SafetyEnabled: true,
		StoreTimeout:  time.Second,
		Now:           func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	res, err := svc.RecordUsage(ctx, "chat_calls", 195)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.Less(t, time.Since(start), time.Second)
}

// stopRacingStore lets another caller stop the service between this
// caller's increment and its threshold evaluation.
type stopRacingStore struct {
	store.Store
}

func (s stopRacingStore) Increment(ctx context.Context, key store.Key, amount float64, now time.Time) (*store.Record, error) {
	rec, err := s.Store.Increment(ctx, key, amount, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.Escalate(ctx, key, store.StatusStopped, now); err != nil {
		return nil, err
	}
	return rec, nil
}

func TestRecordUsage_WarningBandAfterConcurrentStop(t *testing.T) {
	policies, err := NewPolicySet(DefaultPolicies(100))
	require.NoError(t, err)
	alerter := &recordingAlerter{}
	st := store.NewMemoryStore()
	svc := NewService(stopRacingStore{Store: st}, policies, alerter, Options{
		SafetyEnabled: true,
		Now:           func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) },
	})

	res, err := svc.RecordUsage(context.Background(), "chat_calls", 170)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, res.Status)
	assert.True(t, res.ShouldStop)
	assert.False(t, res.ShouldWarn)
	assert.Zero(t, alerter.count(alert.TypeWarning))

	rec, err := st.Get(context.Background(), store.Key{Service: "chat_calls", Period: "2026-03"})
	require.NoError(t, err)
	assert.Nil(t, rec.LastWarningDate)
}

func TestRecordUsage_UnknownService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordUsage(ctx, "foo", 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.CurrentUsage)
	assert.Nil(t, res.Limit)
	assert.Nil(t, res.Percentage)
	assert.Equal(t, "2026-03-14", res.Period, "unknown services use the default granularity")

	got, err := f.svc.GetUsage(ctx, "foo")
	require.NoError(t, err)
	assert.Nil(t, got.Limit)
	assert.Equal(t, 5.0, got.CurrentUsage)

	f.record(t, "foo", 1e9, 1)
	assert.True(t, f.svc.CheckLimit(ctx, "foo"))
	assert.Empty(t, f.alerter.sent)
}

func TestRecordUsage_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, "chat_calls", 3, 1)

	for _, amount := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := f.svc.RecordUsage(ctx, "chat_calls", amount)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %v", amount)
	}

	_, err := f.svc.RecordUsage(ctx, "", 1)
	assert.ErrorIs(t, err, ErrInvalidService)

	got, err := f.svc.GetUsage(ctx, "chat_calls")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.CurrentUsage, "rejected calls leave usage unchanged")
}

func TestRecordUsage_ZeroAmountReservesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.record(t, "vision_minutes", 0, 1)
	assert.Equal(t, 0.0, res.CurrentUsage)
	assert.Equal(t, "0.0", *res.Percentage)

	_, err := f.store.Get(ctx, store.Key{Service: "vision_minutes", Period: "2026-03"})
	assert.NoError(t, err)
}

func TestRecordUsage_AlertFailureKeepsUsage(t *testing.T) {
	f := newFixture(t)
	f.alerter.err = assert.AnError

	res := f.record(t, "chat_calls", 190, 1)
	assert.Equal(t, store.StatusStopped, res.Status)

	got, err := f.svc.GetUsage(context.Background(), "chat_calls")
	require.NoError(t, err)
	assert.Equal(t, 190.0, got.CurrentUsage)
}

func TestRecordUsage_RetriesTransientWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failIncrements.Store(2)

	res := f.record(t, "chat_calls", 4, 1)
	assert.False(t, res.Dropped)
	assert.Equal(t, 4.0, res.CurrentUsage)
	assert.Equal(t, int32(3), f.store.incrementCalls.Load())
}

func TestRecordUsage_DropsAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.store.failIncrements.Store(-1)

	res, err := f.svc.RecordUsage(context.Background(), "chat_calls", 4)
	require.NoError(t, err, "store failures are not surfaced to callers")
	assert.True(t, res.Dropped)
	assert.Equal(t, int32(3), f.store.incrementCalls.Load(), "one attempt plus two retries")
	assert.Empty(t, f.alerter.sent)
}

func TestRecordUsage_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)

	const workers, perWorker = 10, 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := f.svc.RecordUsage(context.Background(), "chat_calls", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := f.svc.GetUsage(context.Background(), "chat_calls")
	require.NoError(t, err)
	assert.Equal(t, float64(workers*perWorker), got.CurrentUsage)
	assert.Equal(t, 1, f.alerter.count(alert.TypeWarning), "concurrent crossings still warn once")
	assert.Equal(t, 1, f.alerter.count(alert.TypeStopped), "concurrent crossings still stop-alert once")
}

func TestGetUsage_AbsentRecord(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.GetUsage(context.Background(), "storage_gb")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CurrentUsage)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, "2026-03", got.Period)
	assert.Equal(t, "GB", got.Unit)
}

func TestGetUsage_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failReads.Store(true)

	_, err := f.svc.GetUsage(context.Background(), "chat_calls")
	assert.ErrorIs(t, err, errStoreDown)
}

func TestGetAllUsage(t *testing.T) {
	f := newFixture(t)

	f.record(t, "chat_calls", 10, 1)
	f.record(t, "requests", 1, 3)
	f.record(t, "foo", 2, 1)

	all, err := f.svc.GetAllUsage(context.Background())
	require.NoError(t, err)

	for _, name := range DefaultPolicies(100).Services() {
		assert.Contains(t, all, name)
	}
	assert.Equal(t, 10.0, all["chat_calls"].CurrentUsage)
	assert.Equal(t, 3.0, all["requests"].CurrentUsage)
	assert.Equal(t, "2026-03-14", all["requests"].Period)
	assert.Equal(t, 0.0, all["messages"].CurrentUsage)
	require.Contains(t, all, "foo")
	assert.Nil(t, all["foo"].Limit)
}
