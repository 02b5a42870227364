package service

import (
	"context"
	"fmt"

	"aipilot/internal/arena/executor"
	"aipilot/internal/arena/model"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/contextkey"
	"aipilot/pkg/utils/logger"

	"go.uber.org/zap"
)

// PilotFinder looks pilots up by name.
type PilotFinder interface {
	GetByName(ctx context.Context, name string) (*model.Pilot, error)
}

// MatchRunner starts one match.
type MatchRunner interface {
	Execute(ctx context.Context, a, b *model.Pilot, manual bool) *executor.Handle
}

// ManualService starts operator-requested matches outside the schedule.
type ManualService struct {
	pilots   PilotFinder
	executor MatchRunner
}

// NewManualService creates a ManualService.
func NewManualService(pilots PilotFinder, exec MatchRunner) (*ManualService, error) {
	if pilots == nil {
		return nil, fmt.Errorf("pilot finder is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	return &ManualService{pilots: pilots, executor: exec}, nil
}

// RequestMatch starts a manual match between two named pilots regardless of coverage.
func (s *ManualService) RequestMatch(ctx context.Context, nameA, nameB string) (*executor.Handle, error) {
	a, err := s.lookup(ctx, nameA)
	if err != nil {
		return nil, err
	}
	b, err := s.lookup(ctx, nameB)
	if err != nil {
		return nil, err
	}
	if a.ID == b.ID {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("a pilot cannot fight itself")
	}
	for _, p := range []*model.Pilot{a, b} {
		if !p.HasArtifact() {
			return nil, appErr.New(appErr.PilotHasNoVersion).WithDetail("name", p.Name)
		}
	}

	h := s.executor.Execute(ctx, a, b, true)
	logger.Info(ctx, "manual match requested",
		zap.String("job_id", h.ID),
		zap.String("pilot_a", a.Name),
		zap.String("pilot_b", b.Name),
	)
	return h, nil
}

func (s *ManualService) lookup(ctx context.Context, name string) (*model.Pilot, error) {
	if err := model.ValidatePilotName(name); err != nil {
		return nil, err
	}
	p, err := s.pilots.GetByName(context.WithValue(ctx, contextkey.Pilot, name), name)
	if err != nil {
		return nil, err
	}
	return p, nil
}
