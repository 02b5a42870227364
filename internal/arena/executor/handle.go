package executor

import (
	"context"
	"sync"

	"aipilot/internal/arena/model"
)

// Handle tracks one in-flight match job.
type Handle struct {
	ID string

	done chan struct{}

	mu       sync.RWMutex
	status   model.JobStatus
	result   *model.MatchExecutionResult
	err      error
	finished bool
}

func newHandle(id string) *Handle {
	return &Handle{
		ID:     id,
		done:   make(chan struct{}),
		status: model.StatusPending,
	}
}

// Done is closed once the job reached a final state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current lifecycle state.
func (h *Handle) Status() model.JobStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Wait blocks until the job finishes or ctx ends. Failed and ambiguous runs return
// their error together with a result carrying the log location and no MatchResult.
func (h *Handle) Wait(ctx context.Context) (*model.MatchExecutionResult, error) {
	select {
	case <-h.done:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) setStatus(status model.JobStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.CanTransition(status) {
		return false
	}
	h.status = status
	return true
}

// finish records the outcome. Only the first call has any effect.
func (h *Handle) finish(status model.JobStatus, result *model.MatchExecutionResult, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	if h.status.CanTransition(status) {
		h.status = status
	}
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
