package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// PeriodicWaker wakes a loop on a fixed interval so missed triggers are picked up.
type PeriodicWaker struct {
	sched gocron.Scheduler
}

// NewPeriodicWaker schedules w.Wake every interval. A non-positive interval
// returns a waker that does nothing.
func NewPeriodicWaker(w Waker, interval time.Duration) (*PeriodicWaker, error) {
	if w == nil {
		return nil, fmt.Errorf("waker is required")
	}
	if interval <= 0 {
		return &PeriodicWaker{}, nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(w.Wake),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule wake job: %w", err)
	}
	return &PeriodicWaker{sched: sched}, nil
}

func (p *PeriodicWaker) Start() {
	if p.sched != nil {
		p.sched.Start()
	}
}

func (p *PeriodicWaker) Stop() error {
	if p.sched == nil {
		return nil
	}
	return p.sched.Shutdown()
}
