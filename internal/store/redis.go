package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix   = "usagegate:usage:"
	periodKeyPrefix  = "usagegate:period:"
	archiveKeyPrefix = "usagegate:archive:"
)

// incrementScript adds ARGV[1] to the counter and returns the whole hash.
// KEYS[1] usage hash, KEYS[2] period index set.
// ARGV: amount, service, period, now (RFC3339Nano).
const incrementScript = `
redis.call("HINCRBYFLOAT", KEYS[1], "current_usage", ARGV[1])
redis.call("HSETNX", KEYS[1], "status", "active")
redis.call("HSET", KEYS[1], "service", ARGV[2], "period", ARGV[3], "last_updated", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[2])
return redis.call("HGETALL", KEYS[1])
`

// escalateScript moves status forward only. Returns 1 on transition.
// ARGV: target status, now (RFC3339Nano).
const escalateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local rank = {active = 0, warning = 1, stopped = 2}
local current = redis.call("HGET", KEYS[1], "status")
if not current then
  current = "active"
end
if (rank[current] or 0) >= (rank[ARGV[1]] or 0) then
  return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1])
if ARGV[1] == "stopped" then
  redis.call("HSETNX", KEYS[1], "stopped_at", ARGV[2])
end
return 1
`

// claimWarningScript sets last_warning_date unless it already equals ARGV[1].
const claimWarningScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "last_warning_date") == ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "last_warning_date", ARGV[1])
return 1
`

// RedisStore keeps each usage record in a hash and mutates it with Lua
// scripts, so every read-modify-write runs atomically inside Redis and is
// shared by all service instances.
type RedisStore struct {
	rdb       redis.Cmdable
	increment *redis.Script
	escalate  *redis.Script
	claim     *redis.Script
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{
		rdb:       rdb,
		increment: redis.NewScript(incrementScript),
		escalate:  redis.NewScript(escalateScript),
		claim:     redis.NewScript(claimWarningScript),
	}
}

func usageKey(key Key) string {
	return usageKeyPrefix + key.String()
}

func archiveKey(key Key) string {
	return archiveKeyPrefix + key.String()
}

func periodKey(period string) string {
	return periodKeyPrefix + period
}

// Get returns the record for key or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, usageKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(key, fields)
}

// Increment atomically adds amount and returns the updated record.
func (s *RedisStore) Increment(ctx context.Context, key Key, amount float64, now time.Time) (*Record, error) {
	res, err := s.increment.Run(ctx, s.rdb,
		[]string{usageKey(key), periodKey(key.Period)},
		strconv.FormatFloat(amount, 'f', -1, 64), key.Service, key.Period, now.UTC().Format(time.RFC3339Nano),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("incrementing %s: %w", key, err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeHash(key, fields)
}

// Escalate moves the record's status forward.
func (s *RedisStore) Escalate(ctx context.Context, key Key, status Status, now time.Time) (bool, error) {
	n, err := s.escalate.Run(ctx, s.rdb, []string{usageKey(key)},
		string(status), now.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("escalating %s to %s: %w", key, status, err)
	}
	return n == 1, nil
}

// ClaimWarning records day as the last warning date if it is not already.
func (s *RedisStore) ClaimWarning(ctx context.Context, key Key, day string) (bool, error) {
	n, err := s.claim.Run(ctx, s.rdb, []string{usageKey(key)}, day).Int()
	if err != nil {
		return false, fmt.Errorf("claiming warning for %s: %w", key, err)
	}
	return n == 1, nil
}

// ListPeriod returns every record indexed under period.
func (s *RedisStore) ListPeriod(ctx context.Context, period string) ([]*Record, error) {
	services, err := s.rdb.SMembers(ctx, periodKey(period)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing services for %s: %w", period, err)
	}
	if len(services) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(services))
	for i, svc := range services {
		cmds[i] = pipe.HGetAll(ctx, usageKey(Key{Service: svc, Period: period}))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading records for %s: %w", period, err)
	}

	out := make([]*Record, 0, len(services))
	for i, svc := range services {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeHash(Key{Service: svc, Period: period}, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PutArchive stores the archived record as a JSON document.
func (s *RedisStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling archive %s: %w", rec.Key(), err)
	}
	if err := s.rdb.Set(ctx, archiveKey(rec.Key()), data, 0).Err(); err != nil {
		return fmt.Errorf("storing archive %s: %w", rec.Key(), err)
	}
	return nil
}

// GetArchive loads an archived record or returns ErrNotFound.
func (s *RedisStore) GetArchive(ctx context.Context, key Key) (*ArchiveRecord, error) {
	data, err := s.rdb.Get(ctx, archiveKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading archive %s: %w", key, err)
	}

	var rec ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding archive %s: %w", key, err)
	}
	return &rec, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

func decodeHash(key Key, fields map[string]string) (*Record, error) {
	rec := newRecord(key)

	if v := fields["current_usage"]; v != "" {
		usage, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding current_usage of %s: %w", key, err)
		}
		rec.CurrentUsage = usage
	}
	if v := fields["status"]; v != "" {
		rec.Status = Status(v)
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("decoding status of %s: unknown status %q", key, v)
		}
	}
	if v := fields["last_updated"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("decoding last_updated of %s: %w", key, err)
		}
		rec.LastUpdated = t
	}
	if v := fields["last_warning_date"]; v != "" {
		d := v
		rec.LastWarningDate = &d
	}
	if v := fields["stopped_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("decoding stopped_at of %s: %w", key, err)
		}
		rec.StoppedAt = &t
	}
	return rec, nil
}
