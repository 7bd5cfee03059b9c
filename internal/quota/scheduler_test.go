package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iredis "github.com/aiox-platform/usagegate/internal/redis"
)

func newTestLocker(t *testing.T) *iredis.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return iredis.NewLocker(client)
}

func TestScheduler_RunOnce(t *testing.T) {
	f := newFixture(t)
	f.record(t, "requests", 1, 2)
	f.clock.Set(f.clock.Now().AddDate(0, 0, 1))

	s := NewScheduler(f.svc.Roller(), "5 0 * * *", newTestLocker(t))
	result, ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"requests"}, result.ArchivedServices)

	// The lock is released after the run.
	_, ran, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	locker := newTestLocker(t)

	_, ok, err := locker.TryLock(context.Background(), rolloverLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := NewScheduler(f.svc.Roller(), "5 0 * * *", locker)
	_, ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestScheduler_WithoutLocker(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc.Roller(), "5 0 * * *", nil)

	_, ran, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc.Roller(), "5 0 * * *", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())

	next := s.NextRun()
	require.NotNil(t, next)
	assert.Equal(t, 0, next.UTC().Hour())
	assert.Equal(t, 5, next.UTC().Minute())

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestScheduler_StartRunsScheduledRollover(t *testing.T) {
	f := newFixture(t)
	f.record(t, "requests", 1, 2)
	f.clock.Set(f.clock.Now().AddDate(0, 0, 1))

	s := NewScheduler(f.svc.Roller(), "@every 1s", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, err := f.svc.GetArchive(context.Background(), "requests", "2026-03-14")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.svc.Roller(), "whenever", nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsRunning())
}
