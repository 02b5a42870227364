package executor

import (
	"context"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/arena/sandbox"
)

const (
	DefaultSideAMount = "/app/clients/allied.zip"
	DefaultSideBMount = "/app/clients/enemy.zip"
	DefaultMapMount   = "/app/Map/"
	DefaultSimMount   = "/sim/"

	containerPrefix = "aip-match-"
)

// ArtifactResolver maps an artifact id to a local file.
type ArtifactResolver interface {
	Resolve(ctx context.Context, artifactID string) (string, error)
}

// ResultStore persists matches with a known winner.
type ResultStore interface {
	Insert(ctx context.Context, result *model.MatchResult) error
}

// FailureRecorder logs crashed runs between two pilot versions. The store
// decides which side, if any, is charged.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, a, b model.TeamRef) error
}

// JobStore records job lifecycle states.
type JobStore interface {
	Save(ctx context.Context, state model.JobState) error
}

// Config holds executor dependencies and settings.
type Config struct {
	Runner    sandbox.Runner
	Extractor sandbox.OutcomeExtractor
	Artifacts ArtifactResolver
	Results   ResultStore
	// Failures and Jobs are optional.
	Failures FailureRecorder
	Jobs     JobStore

	Image  string
	MapDir string
	LogDir string
	SimDir string
	Limits sandbox.Limits

	SideAMount string
	SideBMount string
	MapMount   string
	SimMount   string

	// MaxConcurrent bounds running jobs across manual and scheduled callers. Zero is unbounded.
	MaxConcurrent int64
	StatusTimeout time.Duration

	// Coin reports whether the first pilot plays SideA. Defaults to a fair coin.
	Coin  func() bool
	Now   func() time.Time
	NewID func() string
}
