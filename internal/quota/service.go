package quota

import (
	"context"

	"github.com/aiox-platform/usagegate/internal/store"
)

// Service exposes the admission and accounting operations over one store
// and policy set.
type Service struct {
	gate     *Gate
	recorder *Recorder
	roller   *Roller
}

func NewService(st store.Store, policies *PolicySet, alerter Alerter, opts Options) *Service {
	return &Service{
		gate:     NewGate(st, policies, opts),
		recorder: NewRecorder(st, policies, alerter, opts),
		roller:   NewRoller(st, policies, opts),
	}
}

func (s *Service) CheckLimit(ctx context.Context, service string) bool {
	return s.gate.CheckLimit(ctx, service)
}

func (s *Service) IsServiceStopped(ctx context.Context, service string) bool {
	return s.gate.IsServiceStopped(ctx, service)
}

func (s *Service) RecordUsage(ctx context.Context, service string, amount float64) (UsageResult, error) {
	return s.recorder.RecordUsage(ctx, service, amount)
}

func (s *Service) GetUsage(ctx context.Context, service string) (UsageResult, error) {
	return s.recorder.GetUsage(ctx, service)
}

func (s *Service) GetAllUsage(ctx context.Context) (map[string]UsageResult, error) {
	return s.recorder.GetAllUsage(ctx)
}

func (s *Service) Rollover(ctx context.Context) (RolloverResult, error) {
	return s.roller.Rollover(ctx)
}

func (s *Service) GetArchive(ctx context.Context, service, period string) (*store.ArchiveRecord, error) {
	return s.roller.GetArchive(ctx, service, period)
}

// Roller returns the rollover component for scheduling.
func (s *Service) Roller() *Roller {
	return s.roller
}
