package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/replay"
	"aipilot/internal/common/storage"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	recordingFile     = "recording.json"
	replayExt         = ".vtgr"
	bundleExt         = ".zip"
	replayPrefix      = "replays/"
	replayContentType = "application/octet-stream"
)

// ReplayConverter turns a recording into a replay file.
type ReplayConverter interface {
	Convert(ctx context.Context, recordingPath, outputPath string) error
}

// ReplayAttacher links a stored match to its replay.
type ReplayAttacher interface {
	SetReplayID(ctx context.Context, id, replayID string) error
}

// PilotByID resolves the winning pilot of a result.
type PilotByID interface {
	GetByID(ctx context.Context, id string) (*model.Pilot, error)
}

// FightConfig holds FightWorkflow dependencies.
type FightConfig struct {
	Manual    *ManualService
	Converter ReplayConverter
	Matches   ReplayAttacher
	Pilots    PilotByID
	// Objects is optional. When set, replays are uploaded to Bucket.
	Objects        storage.ObjectStorage
	Bucket         string
	ReplayDir      string
	StorageTimeout time.Duration
}

// FightOutcome is what an operator gets back from a manual fight.
type FightOutcome struct {
	Execution *model.MatchExecutionResult
	// Winner is nil when the result could not be resolved to a pilot.
	Winner     *model.Pilot
	ReplayID   string
	ReplayPath string
	BundlePath string
}

// FightWorkflow runs a manual match and packages its artifacts.
type FightWorkflow struct {
	manual         *ManualService
	converter      ReplayConverter
	matches        ReplayAttacher
	pilots         PilotByID
	objects        storage.ObjectStorage
	bucket         string
	replayDir      string
	storageTimeout time.Duration
	newID          func() string
}

// NewFightWorkflow creates a FightWorkflow.
func NewFightWorkflow(cfg FightConfig) (*FightWorkflow, error) {
	if cfg.Manual == nil {
		return nil, fmt.Errorf("manual service is required")
	}
	if cfg.Converter == nil {
		return nil, fmt.Errorf("replay converter is required")
	}
	if cfg.Matches == nil {
		return nil, fmt.Errorf("match repository is required")
	}
	if cfg.ReplayDir == "" {
		return nil, fmt.Errorf("replay dir is required")
	}
	if cfg.Objects != nil && cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required when object storage is configured")
	}
	return &FightWorkflow{
		manual:         cfg.Manual,
		converter:      cfg.Converter,
		matches:        cfg.Matches,
		pilots:         cfg.Pilots,
		objects:        cfg.Objects,
		bucket:         cfg.Bucket,
		replayDir:      cfg.ReplayDir,
		storageTimeout: cfg.StorageTimeout,
		newID:          uuid.NewString,
	}, nil
}

// Run fights nameA against nameB and waits for the result. A failed replay
// conversion is reported through an empty ReplayPath, not an error.
func (w *FightWorkflow) Run(ctx context.Context, nameA, nameB string) (*FightOutcome, error) {
	h, err := w.manual.RequestMatch(ctx, nameA, nameB)
	if err != nil {
		return nil, err
	}
	exec, err := h.Wait(ctx)
	if err != nil {
		return &FightOutcome{Execution: exec}, err
	}

	out := &FightOutcome{Execution: exec, ReplayID: w.newID()}
	if w.pilots != nil {
		if ref, ok := exec.Result.WinnerRef(); ok {
			winner, err := w.pilots.GetByID(ctx, ref.PilotID)
			if err != nil {
				logger.Warn(ctx, "resolve winner failed", zap.String("pilot_id", ref.PilotID), zap.Error(err))
			} else {
				out.Winner = winner
			}
		}
	}

	dir := filepath.Join(w.replayDir, exec.NormalizedName)
	replayPath := filepath.Join(dir, out.ReplayID+replayExt)
	if err := w.converter.Convert(ctx, filepath.Join(exec.SimDir, recordingFile), replayPath); err != nil {
		logger.Warn(ctx, "replay unavailable for manual match", zap.String("result_id", exec.Result.ID), zap.Error(err))
	} else {
		out.ReplayPath = replayPath
		if err := w.matches.SetReplayID(ctx, exec.Result.ID, out.ReplayID); err != nil {
			return out, err
		}
		w.upload(ctx, exec.NormalizedName, out)
	}

	bundlePath := filepath.Join(dir, out.ReplayID+bundleExt)
	if err := replay.BundleToFile(exec.SimDir, bundlePath); err != nil {
		return out, err
	}
	out.BundlePath = bundlePath
	return out, nil
}

func (w *FightWorkflow) upload(ctx context.Context, normalized string, out *FightOutcome) {
	if w.objects == nil {
		return
	}
	file, err := os.Open(out.ReplayPath)
	if err != nil {
		logger.Warn(ctx, "open replay for upload failed", zap.Error(err))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		logger.Warn(ctx, "stat replay failed", zap.Error(err))
		return
	}

	ctxStorage := ctx
	if w.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, w.storageTimeout)
		defer cancel()
	}
	key := replayPrefix + normalized + "/" + out.ReplayID + replayExt
	if err := w.objects.PutObject(ctxStorage, w.bucket, key, file, info.Size(), replayContentType); err != nil {
		logger.Warn(ctx, "upload replay failed", zap.String("key", key), zap.Error(appErr.Wrap(err, appErr.StorageError)))
		return
	}
	logger.Info(ctx, "replay uploaded", zap.String("key", key))
}
