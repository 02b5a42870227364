package model

import "time"

// JobStatus is the lifecycle state of one executor job.
type JobStatus string

const (
	StatusPending           JobStatus = "Pending"
	StatusRunning           JobStatus = "Running"
	StatusFailed            JobStatus = "Failed"
	StatusAmbiguousComplete JobStatus = "AmbiguousComplete"
	StatusPersisted         JobStatus = "Persisted"
)

// IsFinal reports whether no further transition is possible.
func (s JobStatus) IsFinal() bool {
	return s == StatusFailed || s == StatusAmbiguousComplete || s == StatusPersisted
}

// CanTransition reports whether moving from s to next is legal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next.IsFinal()
	default:
		return false
	}
}

// JobState is the observable record of one executor job.
type JobState struct {
	JobID          string    `json:"jobId"`
	Status         JobStatus `json:"status"`
	PilotA         string    `json:"pilotA"`
	PilotB         string    `json:"pilotB"`
	NormalizedName string    `json:"normalizedName"`
	Manual         bool      `json:"manual"`
	ExitCode       int       `json:"exitCode"`
	TimedOut       bool      `json:"timedOut,omitempty"`
	Winner         Side      `json:"winner,omitempty"`
	MatchID        string    `json:"matchId,omitempty"`
	ErrorCode      int       `json:"errorCode,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
}
