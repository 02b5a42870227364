package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/common/cache"
	appErr "aipilot/pkg/errors"
)

const (
	jobKeyPrefix       = "arena:job:"
	recentJobsKey      = "arena:jobs:recent"
	defaultJobTTL      = 24 * time.Hour
	defaultRecentLimit = 200
)

// JobStatusRepository keeps job lifecycle records in Redis.
type JobStatusRepository struct {
	cache       cache.Cache
	publisher   JobEventPublisher
	ttl         time.Duration
	recentLimit int64
}

// NewJobStatusRepository creates a repository. A nil cache disables storage
// while final events are still published.
func NewJobStatusRepository(cacheClient cache.Cache, ttl time.Duration, publisher JobEventPublisher) *JobStatusRepository {
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	return &JobStatusRepository{
		cache:       cacheClient,
		publisher:   publisher,
		ttl:         ttl,
		recentLimit: defaultRecentLimit,
	}
}

// Save stores state and publishes it once it is final.
func (r *JobStatusRepository) Save(ctx context.Context, state model.JobState) error {
	if state.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if r.cache != nil {
		if err := r.store(ctx, state); err != nil {
			return err
		}
	}
	if state.Status.IsFinal() && r.publisher != nil {
		return r.publisher.PublishFinal(ctx, state)
	}
	return nil
}

func (r *JobStatusRepository) store(ctx context.Context, state model.JobState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal job state failed: %w", err)
	}
	if err := r.cache.Set(ctx, jobKeyPrefix+state.JobID, string(data), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store job state failed")
	}
	if state.Status != model.StatusPending {
		return nil
	}
	member := cache.ZMember{Score: float64(state.CreatedAt.UnixMilli()), Member: state.JobID}
	if err := r.cache.ZAdd(ctx, recentJobsKey, member); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "index job failed")
	}
	if err := r.cache.ZRemRangeByRank(ctx, recentJobsKey, 0, -(r.recentLimit + 1)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "trim job index failed")
	}
	return nil
}

// Get returns the state of one job.
func (r *JobStatusRepository) Get(ctx context.Context, jobID string) (model.JobState, error) {
	if jobID == "" {
		return model.JobState{}, appErr.ValidationError("job_id", "required")
	}
	if r.cache == nil {
		return model.JobState{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		return model.JobState{}, appErr.Wrapf(err, appErr.CacheError, "load job state failed")
	}
	if val == "" {
		return model.JobState{}, appErr.New(appErr.JobNotFound).WithDetail("job_id", jobID)
	}
	var state model.JobState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return model.JobState{}, appErr.Wrapf(err, appErr.CacheError, "decode job state failed")
	}
	return state, nil
}

// Recent returns up to limit jobs, newest first. Expired jobs are skipped.
func (r *JobStatusRepository) Recent(ctx context.Context, limit int) ([]model.JobState, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 || int64(limit) > r.recentLimit {
		limit = int(r.recentLimit)
	}
	ids, err := r.cache.ZRevRange(ctx, recentJobsKey, 0, int64(limit-1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list recent jobs failed")
	}
	states := make([]model.JobState, 0, len(ids))
	for _, id := range ids {
		state, err := r.Get(ctx, id)
		if err != nil {
			if appErr.Is(err, appErr.JobNotFound) {
				continue
			}
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}
