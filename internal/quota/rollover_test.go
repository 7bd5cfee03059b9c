package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/usagegate/internal/store"
)

func TestRollover_ArchivesClosedPeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 2, 28, 22, 0, 0, 0, time.UTC))
	f.record(t, "chat_calls", 170, 1)
	f.record(t, "requests", 1, 7)
	f.record(t, "foo", 3, 1)

	f.clock.Set(time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC))
	result, err := f.svc.Rollover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat_calls", "foo", "requests"}, result.ArchivedServices)

	entry, err := f.svc.GetArchive(ctx, "chat_calls", "2026-02")
	require.NoError(t, err)
	assert.Equal(t, 170.0, entry.CurrentUsage)
	assert.Equal(t, store.StatusWarning, entry.Status)
	assert.True(t, entry.ArchivedAt.Equal(f.clock.Now()))

	entry, err = f.svc.GetArchive(ctx, "requests", "2026-02-28")
	require.NoError(t, err)
	assert.Equal(t, 7.0, entry.CurrentUsage)

	// Live records remain and the new period starts empty.
	live, err := f.store.Get(ctx, store.Key{Service: "chat_calls", Period: "2026-02"})
	require.NoError(t, err)
	assert.Equal(t, 170.0, live.CurrentUsage)

	got, err := f.svc.GetUsage(ctx, "chat_calls")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", got.Period)
	assert.Equal(t, 0.0, got.CurrentUsage)
	assert.True(t, f.svc.CheckLimit(ctx, "chat_calls"))
}

func TestRollover_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC))
	f.record(t, "requests", 1, 100)

	f.clock.Set(time.Date(2026, 3, 14, 0, 5, 0, 0, time.UTC))
	first, err := f.svc.Rollover(ctx)
	require.NoError(t, err)
	once, err := f.svc.GetArchive(ctx, "requests", "2026-03-13")
	require.NoError(t, err)

	f.clock.Set(time.Date(2026, 3, 14, 0, 10, 0, 0, time.UTC))
	second, err := f.svc.Rollover(ctx)
	require.NoError(t, err)
	twice, err := f.svc.GetArchive(ctx, "requests", "2026-03-13")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, *once, *twice)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 5, 0, 0, time.UTC), twice.ArchivedAt)
	assert.Equal(t, store.StatusStopped, twice.Status)
}

func TestRollover_NothingToArchive(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Rollover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.ArchivedServices)

	_, err = f.svc.GetArchive(context.Background(), "chat_calls", "2026-02")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollover_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failReads.Store(true)

	_, err := f.svc.Rollover(context.Background())
	assert.ErrorIs(t, err, errStoreDown)
}
