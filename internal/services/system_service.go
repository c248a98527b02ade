package services

import (
	"context"
	"errors"

	"github.com/checkspot/api/internal/repositories"
)

// SystemServiceDeps wires the system service dependencies.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	health repositories.HealthRepository
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewSystemService constructs a SystemService over the dependency health probes.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &systemService{
		health: deps.Health,
		logger: logger,
	}, nil
}

// HealthReport collects the current dependency health snapshot.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		s.logger(ctx, "system.health_collect_failed", map[string]any{"error": err.Error()})
		return SystemHealthReport{}, err
	}
	return report, nil
}
