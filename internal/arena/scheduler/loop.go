package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aipilot/internal/arena/executor"
	"aipilot/internal/arena/model"
	"aipilot/pkg/utils/logger"

	"go.uber.org/zap"
)

// PairSelector picks the next scheduled pairing.
type PairSelector interface {
	SelectNextPair(ctx context.Context) (a, b *model.Pilot, ok bool, err error)
}

// MatchRunner starts one match.
type MatchRunner interface {
	Execute(ctx context.Context, a, b *model.Pilot, manual bool) *executor.Handle
}

// Waker is anything that can be nudged to look for work.
type Waker interface {
	Wake()
}

// Config holds loop dependencies.
type Config struct {
	Selector PairSelector
	Executor MatchRunner
	// FailureBackoff is slept after a match that did not persist a result.
	FailureBackoff time.Duration
}

// Stats counts loop activity since creation.
type Stats struct {
	Passes    int64
	Persisted int64
	Failed    int64
}

// Loop runs scheduled matches one after another until no pairing is left.
// At most one loop goroutine is active at a time.
type Loop struct {
	selector PairSelector
	executor MatchRunner
	backoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  bool
	pending bool
	stopped bool
	done    chan struct{}

	passes    atomic.Int64
	persisted atomic.Int64
	failed    atomic.Int64
}

// NewLoop creates an idle loop.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Selector == nil {
		return nil, fmt.Errorf("selector is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		selector: cfg.Selector,
		executor: cfg.Executor,
		backoff:  cfg.FailureBackoff,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the loop unless one is already active. A call that finds the
// loop active makes it run one more selection pass before it exits.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	if l.active {
		l.pending = true
		logger.Info(l.ctx, "match loop already running")
		return false
	}
	l.active = true
	l.pending = false
	l.done = make(chan struct{})
	go l.run(l.done)
	return true
}

// Wake is Start for callers that do not care whether a new loop was launched.
func (l *Loop) Wake() {
	l.Start()
}

// Active reports whether a loop goroutine is running.
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Wait blocks until the current loop, if any, has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the running match and prevents further starts.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	done := l.done
	l.mu.Unlock()
	l.cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns activity counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Passes:    l.passes.Load(),
		Persisted: l.persisted.Load(),
		Failed:    l.failed.Load(),
	}
}

func (l *Loop) run(done chan struct{}) {
	defer close(done)
	for l.pass() {
	}
}

// pass drains pairings once and reports whether a wake arrived meanwhile.
// The active flag is settled on every exit path, panics included.
func (l *Loop) pass() (again bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(l.ctx, "match loop panicked", zap.Any("panic", r))
		}
		again = l.settle()
	}()
	l.passes.Add(1)
	l.drain()
	return false
}

func (l *Loop) settle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending && !l.stopped {
		l.pending = false
		return true
	}
	l.active = false
	return false
}

func (l *Loop) drain() {
	for {
		if l.ctx.Err() != nil {
			return
		}
		a, b, ok, err := l.selector.SelectNextPair(l.ctx)
		if err != nil {
			logger.Error(l.ctx, "select next pair failed", zap.Error(err))
			return
		}
		if !ok {
			logger.Info(l.ctx, "no pairing below target, match loop idle")
			return
		}

		h := l.executor.Execute(l.ctx, a, b, false)
		// The job is bound to l.ctx, so waiting without a deadline still ends on Stop.
		res, err := h.Wait(context.Background())
		if err != nil {
			l.failed.Add(1)
			logger.Warn(l.ctx, "scheduled match did not persist",
				zap.String("job_id", h.ID),
				zap.String("pilot_a", a.Name),
				zap.String("pilot_b", b.Name),
				zap.Error(err),
			)
			if !l.sleep(l.backoff) {
				return
			}
			continue
		}
		l.persisted.Add(1)
		logger.Info(l.ctx, "scheduled match persisted",
			zap.String("job_id", h.ID),
			zap.String("normalized_name", res.NormalizedName),
		)
	}
}

func (l *Loop) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}
