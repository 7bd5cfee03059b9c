package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const alertLogKey = "usagegate:alerts"

// RedisRepository keeps the alert log as a capped Redis list, newest first.
type RedisRepository struct {
	rdb      redis.Cmdable
	capacity int64
}

// NewRedisRepository creates a RedisRepository trimmed to capacity entries.
func NewRedisRepository(rdb redis.Cmdable, capacity int) *RedisRepository {
	if capacity < 1 {
		capacity = maxListLimit
	}
	return &RedisRepository{rdb: rdb, capacity: int64(capacity)}
}

func (r *RedisRepository) Insert(ctx context.Context, a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, alertLogKey, data)
	pipe.LTrim(ctx, alertLogKey, 0, r.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing alert: %w", err)
	}
	return nil
}

func (r *RedisRepository) List(ctx context.Context, params ListParams) ([]Alert, error) {
	params = params.normalized()

	raw, err := r.rdb.LRange(ctx, alertLogKey, 0, r.capacity-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading alert log: %w", err)
	}

	out := make([]Alert, 0, params.Limit)
	for _, item := range raw {
		if len(out) == params.Limit {
			break
		}
		var a Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("decoding alert: %w", err)
		}
		if params.Service != "" && a.Service != params.Service {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
