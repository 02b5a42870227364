package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/sandbox"
	appErr "aipilot/pkg/errors"
	"aipilot/pkg/utils/contextkey"
	"aipilot/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultStatusTimeout = 3 * time.Second

// Executor runs matches in the sandbox and records their outcome.
type Executor struct {
	runner    sandbox.Runner
	extractor sandbox.OutcomeExtractor
	artifacts ArtifactResolver
	results   ResultStore
	failures  FailureRecorder
	jobs      JobStore

	image  string
	mapDir string
	logDir string
	simDir string
	limits sandbox.Limits

	sideAMount string
	sideBMount string
	mapMount   string
	simMount   string

	sem           *semaphore.Weighted
	statusTimeout time.Duration

	coin  func() bool
	now   func() time.Time
	newID func() string
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("outcome extractor is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact resolver is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if cfg.MapDir == "" || cfg.LogDir == "" || cfg.SimDir == "" {
		return nil, fmt.Errorf("map, log and sim dirs are required")
	}

	e := &Executor{
		runner:        cfg.Runner,
		extractor:     cfg.Extractor,
		artifacts:     cfg.Artifacts,
		results:       cfg.Results,
		failures:      cfg.Failures,
		jobs:          cfg.Jobs,
		image:         cfg.Image,
		mapDir:        cfg.MapDir,
		logDir:        cfg.LogDir,
		simDir:        cfg.SimDir,
		limits:        cfg.Limits,
		sideAMount:    orDefault(cfg.SideAMount, DefaultSideAMount),
		sideBMount:    orDefault(cfg.SideBMount, DefaultSideBMount),
		mapMount:      orDefault(cfg.MapMount, DefaultMapMount),
		simMount:      orDefault(cfg.SimMount, DefaultSimMount),
		statusTimeout: cfg.StatusTimeout,
		coin:          cfg.Coin,
		now:           cfg.Now,
		newID:         cfg.NewID,
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	if e.statusTimeout <= 0 {
		e.statusTimeout = defaultStatusTimeout
	}
	if e.coin == nil {
		e.coin = func() bool { return rand.IntN(2) == 0 }
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Execute starts a match between a and b and returns without waiting for it.
func (e *Executor) Execute(ctx context.Context, a, b *model.Pilot, manual bool) *Handle {
	h := newHandle(e.newID())
	ctx = context.WithValue(ctx, contextkey.MatchID, h.ID)

	state := model.JobState{
		JobID:     h.ID,
		Status:    model.StatusPending,
		Manual:    manual,
		CreatedAt: e.now(),
	}
	if a != nil && b != nil {
		state.PilotA, state.PilotB = a.Name, b.Name
		state.NormalizedName = model.NormalizedName(a, b)
	}
	e.saveState(ctx, state)

	go e.run(ctx, h, state, a, b, manual)
	return h
}

// job carries the per-run state shared by the run steps.
type job struct {
	h      *Handle
	state  model.JobState
	result *model.MatchExecutionResult
}

func (e *Executor) run(ctx context.Context, h *Handle, state model.JobState, a, b *model.Pilot, manual bool) {
	j := &job{h: h, state: state}
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "match job panicked", zap.Any("panic", r))
			select {
			case <-h.Done():
			default:
				e.fail(ctx, j, appErr.Newf(appErr.MatchExecutionFailed, "match job panicked: %v", r))
			}
		}
	}()

	if err := validatePair(a, b); err != nil {
		e.fail(ctx, j, err)
		return
	}
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.fail(ctx, j, appErr.Wrapf(err, appErr.MatchQueueFull, "wait for a match slot"))
			return
		}
		defer e.sem.Release(1)
	}

	sideA, sideB := a, b
	if !e.coin() {
		sideA, sideB = b, a
	}
	normalized := model.NormalizedName(a, b)
	j.result = &model.MatchExecutionResult{
		NormalizedName: normalized,
		LogPath:        filepath.Join(e.logDir, normalized+".log"),
	}

	runSpec, err := e.buildRunSpec(ctx, sideA, sideB, normalized, manual)
	if err != nil {
		e.fail(ctx, j, err)
		return
	}
	if manual {
		j.result.SimDir = filepath.Join(e.simDir, normalized)
	}

	logFile, err := openLog(j.result.LogPath)
	if err != nil {
		e.fail(ctx, j, err)
		return
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "[%s] Match started: %s v%d (SideA) vs %s v%d (SideB), manual=%t\n",
		e.now().UTC().Format(time.RFC3339), sideA.Name, sideA.Current.Version, sideB.Name, sideB.Current.Version, manual)

	if h.setStatus(model.StatusRunning) {
		j.state.Status = model.StatusRunning
		e.saveState(ctx, j.state)
	}
	logger.Info(ctx, "match started",
		zap.String("side_a", sideA.Name),
		zap.String("side_b", sideB.Name),
		zap.String("normalized_name", normalized),
		zap.Bool("manual", manual),
	)

	outcome := sandbox.NewLastOutcome(e.extractor)
	res, runErr := e.runner.Run(ctx, sandbox.RunRequest{
		Spec:     runSpec,
		Log:      logFile,
		OnStdout: outcome.Observe,
	})
	winner := outcome.Side()
	if runErr != nil {
		res.ExitCode = -1
	}
	fmt.Fprintf(logFile, "[%s] Match finished with code %d. Winning team: %s\n",
		e.now().UTC().Format(time.RFC3339), res.ExitCode, winner)

	j.state.ExitCode = res.ExitCode
	j.state.TimedOut = res.TimedOut
	j.state.Winner = winner

	switch {
	case runErr != nil:
		e.fail(ctx, j, runErr)
	case res.Canceled:
		e.fail(ctx, j, appErr.Wrapf(ctx.Err(), appErr.MatchExecutionFailed, "match canceled"))
	case res.TimedOut || res.ExitCode != 0:
		e.recordFailure(ctx, sideA, sideB)
		e.fail(ctx, j, appErr.Newf(appErr.MatchExecutionFailed, "simulation exited with code %d", res.ExitCode).
			WithDetail("exitCode", res.ExitCode).
			WithDetail("timedOut", res.TimedOut))
	case winner == model.Unknown:
		e.finish(ctx, j, model.StatusAmbiguousComplete, appErr.New(appErr.AmbiguousOutcome))
	default:
		e.persist(ctx, j, sideA, sideB, winner, manual)
	}
}

func validatePair(a, b *model.Pilot) error {
	if a == nil || b == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("both pilots are required")
	}
	if a.ID == b.ID {
		return appErr.New(appErr.InvalidParams).WithMessage("a pilot cannot play itself")
	}
	if !a.HasArtifact() || !b.HasArtifact() {
		return appErr.New(appErr.PilotHasNoVersion)
	}
	return nil
}

func (e *Executor) buildRunSpec(ctx context.Context, sideA, sideB *model.Pilot, normalized string, manual bool) (sandbox.RunSpec, error) {
	pathA, err := e.artifacts.Resolve(ctx, sideA.Current.ArtifactID)
	if err != nil {
		return sandbox.RunSpec{}, err
	}
	pathB, err := e.artifacts.Resolve(ctx, sideB.Current.ArtifactID)
	if err != nil {
		return sandbox.RunSpec{}, err
	}

	mounts := []sandbox.Mount{
		{Source: pathA, Target: e.sideAMount, ReadOnly: true},
		{Source: pathB, Target: e.sideBMount, ReadOnly: true},
		{Source: e.mapDir, Target: e.mapMount, ReadOnly: true},
	}
	if manual {
		simDir := filepath.Join(e.simDir, normalized)
		if err := os.RemoveAll(simDir); err != nil {
			return sandbox.RunSpec{}, appErr.Wrapf(err, appErr.MatchExecutionFailed, "clear sim dir failed")
		}
		if err := os.MkdirAll(simDir, 0o755); err != nil {
			return sandbox.RunSpec{}, appErr.Wrapf(err, appErr.MatchExecutionFailed, "create sim dir failed")
		}
		mounts = append(mounts, sandbox.Mount{Source: simDir, Target: e.simMount})
	}

	return sandbox.RunSpec{
		Name:   containerPrefix + sideA.ID + "-" + sideB.ID,
		Image:  e.image,
		Mounts: mounts,
		Limits: e.limits,
	}, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.MatchExecutionFailed, "create log dir failed")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.MatchExecutionFailed, "open match log failed")
	}
	return file, nil
}

func (e *Executor) persist(ctx context.Context, j *job, sideA, sideB *model.Pilot, winner model.Side, manual bool) {
	result := &model.MatchResult{
		ID:             e.newID(),
		TeamA:          sideA.CurrentRef(),
		TeamB:          sideB.CurrentRef(),
		Winner:         winner,
		ManualRun:      manual,
		NormalizedName: j.result.NormalizedName,
		CreatedAt:      e.now(),
	}
	if err := e.results.Insert(context.WithoutCancel(ctx), result); err != nil {
		e.fail(ctx, j, appErr.Wrapf(err, appErr.PersistenceFailed, "store match result failed"))
		return
	}
	j.result.Result = result
	j.state.MatchID = result.ID
	logger.Info(ctx, "match persisted", zap.String("result_id", result.ID), zap.String("winner", string(winner)))
	e.finish(ctx, j, model.StatusPersisted, nil)
}

func (e *Executor) recordFailure(ctx context.Context, sideA, sideB *model.Pilot) {
	if e.failures == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.failures.RecordFailure(ctx, sideA.CurrentRef(), sideB.CurrentRef()); err != nil {
		logger.Warn(ctx, "record match failure failed",
			zap.String("side_a", sideA.ID),
			zap.String("side_b", sideB.ID),
			zap.Error(err),
		)
	}
}

func (e *Executor) fail(ctx context.Context, j *job, err error) {
	e.finish(ctx, j, model.StatusFailed, err)
}

func (e *Executor) finish(ctx context.Context, j *job, status model.JobStatus, err error) {
	j.state.Status = status
	j.state.FinishedAt = e.now()
	if err != nil {
		j.state.ErrorCode = int(appErr.GetCode(err))
		j.state.ErrorMessage = err.Error()
		logger.Warn(ctx, "match did not produce a result", zap.String("status", string(status)), zap.Error(err))
	}
	e.saveState(ctx, j.state)
	j.h.finish(status, j.result, err)
}

func (e *Executor) saveState(ctx context.Context, state model.JobState) {
	if e.jobs == nil {
		return
	}
	ctxStatus, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.statusTimeout)
	defer cancel()
	if err := e.jobs.Save(ctxStatus, state); err != nil {
		logger.Warn(ctx, "save job state failed", zap.String("status", string(state.Status)), zap.Error(err))
	}
}
