package alert

import (
	"context"
	"sync"
)

// MemoryRepository keeps the most recent alerts in process.
type MemoryRepository struct {
	mu       sync.RWMutex
	alerts   []Alert
	capacity int
}

// NewMemoryRepository creates a MemoryRepository holding at most capacity alerts.
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity < 1 {
		capacity = maxListLimit
	}
	return &MemoryRepository{capacity: capacity}
}

func (r *MemoryRepository) Insert(_ context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, *a)
	if over := len(r.alerts) - r.capacity; over > 0 {
		r.alerts = append([]Alert(nil), r.alerts[over:]...)
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context, params ListParams) ([]Alert, error) {
	params = params.normalized()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Alert, 0, params.Limit)
	for i := len(r.alerts) - 1; i >= 0 && len(out) < params.Limit; i-- {
		if params.Service != "" && r.alerts[i].Service != params.Service {
			continue
		}
		out = append(out, r.alerts[i])
	}
	return out, nil
}
