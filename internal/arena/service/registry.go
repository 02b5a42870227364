package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"aipilot/internal/arena/artifact"
	"aipilot/internal/arena/model"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/contextkey"
	"aipilot/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PilotStore is the registry's view of the pilot repository.
type PilotStore interface {
	GetByName(ctx context.Context, name string) (*model.Pilot, error)
	Create(ctx context.Context, pilot *model.Pilot) error
	AppendVersion(ctx context.Context, pilotID, artifactID string) (model.PilotVersion, error)
}

// ArtifactWriter stores uploaded bundles.
type ArtifactWriter interface {
	Put(ctx context.Context, artifactID string, r io.Reader) (string, error)
}

// Waker is notified after every new version.
type Waker interface {
	Wake()
}

// RegisterRequest announces a new build for a pilot.
type RegisterRequest struct {
	Name       string `json:"name"`
	OwnerID    string `json:"ownerId"`
	ArtifactID string `json:"artifactId"`
}

// RegisterResult describes the stored version.
type RegisterResult struct {
	Pilot   *model.Pilot
	Version model.PilotVersion
	Created bool
}

// RegistryService records pilot versions and triggers scheduling.
type RegistryService struct {
	pilots    PilotStore
	artifacts ArtifactWriter
	waker     Waker
	now       func() time.Time
}

// NewRegistryService creates a RegistryService. artifacts and waker may be nil.
func NewRegistryService(pilots PilotStore, artifacts ArtifactWriter, waker Waker) (*RegistryService, error) {
	if pilots == nil {
		return nil, fmt.Errorf("pilot store is required")
	}
	return &RegistryService{
		pilots:    pilots,
		artifacts: artifacts,
		waker:     waker,
		now:       time.Now,
	}, nil
}

// RegisterVersion makes req.ArtifactID the current version of req.Name, creating
// the pilot on its first upload.
func (s *RegistryService) RegisterVersion(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := model.ValidatePilotName(req.Name); err != nil {
		return nil, err
	}
	if req.OwnerID == "" {
		return nil, appErr.New(appErr.RequiredFieldEmpty).WithDetail("field", "ownerId")
	}
	if err := artifact.ValidateID(req.ArtifactID); err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, contextkey.Pilot, req.Name)

	pilot, created, err := s.findOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if pilot.OwnerID != req.OwnerID {
		return nil, appErr.New(appErr.PilotOwnershipMismatch).WithDetail("name", req.Name)
	}

	version, err := s.pilots.AppendVersion(ctx, pilot.ID, req.ArtifactID)
	if err != nil {
		return nil, err
	}
	pilot.Versions = append(pilot.Versions, version)
	pilot.Current = version

	logger.Info(ctx, "pilot version registered",
		zap.String("pilot_id", pilot.ID),
		zap.Int("version", version.Version),
		zap.Bool("created", created),
	)
	if s.waker != nil {
		s.waker.Wake()
	}
	return &RegisterResult{Pilot: pilot, Version: version, Created: created}, nil
}

func (s *RegistryService) findOrCreate(ctx context.Context, req RegisterRequest) (*model.Pilot, bool, error) {
	pilot, err := s.pilots.GetByName(ctx, req.Name)
	if err == nil {
		return pilot, false, nil
	}
	if !appErr.Is(err, appErr.PilotNotFound) {
		return nil, false, err
	}

	pilot = &model.Pilot{
		ID:        uuid.NewString(),
		Name:      req.Name,
		OwnerID:   req.OwnerID,
		CreatedAt: s.now(),
	}
	if err := s.pilots.Create(ctx, pilot); err != nil {
		if !appErr.Is(err, appErr.PilotAlreadyExists) {
			return nil, false, err
		}
		// Lost a race with a concurrent first upload.
		existing, getErr := s.pilots.GetByName(ctx, req.Name)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	return pilot, true, nil
}

// ImportArtifact stores the bundle at path under a new artifact id and registers it.
func (s *RegistryService) ImportArtifact(ctx context.Context, name, ownerID, path string) (*RegisterResult, error) {
	if s.artifacts == nil {
		return nil, fmt.Errorf("artifact store is not configured")
	}
	if err := model.ValidatePilotName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "open artifact %s failed", path)
	}
	defer file.Close()

	artifactID := artifact.NewArtifactID()
	if _, err := s.artifacts.Put(ctx, artifactID, file); err != nil {
		return nil, err
	}
	return s.RegisterVersion(ctx, RegisterRequest{Name: name, OwnerID: ownerID, ArtifactID: artifactID})
}
