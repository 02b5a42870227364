package model

import (
	"fmt"
	"time"
)

// Side is the simulation side a pilot played on.
type Side string

const (
	SideA   Side = "SideA"
	SideB   Side = "SideB"
	Unknown Side = "Unknown"
)

// Valid reports whether s is one of the three known sides.
func (s Side) Valid() bool {
	return s == SideA || s == SideB || s == Unknown
}

// TeamRef points at one pilot version.
type TeamRef struct {
	PilotID string `json:"pilotId"`
	Version int    `json:"version"`
}

// MatchResult is a completed match with a known winner.
type MatchResult struct {
	ID             string    `json:"id"`
	TeamA          TeamRef   `json:"teamA"`
	TeamB          TeamRef   `json:"teamB"`
	Winner         Side      `json:"winner"`
	ManualRun      bool      `json:"manualRun"`
	NormalizedName string    `json:"normalizedName"`
	CreatedAt      time.Time `json:"createdAt"`
	ReplayID       string    `json:"replayId,omitempty"`
}

// WinnerRef returns the winning team. ok is false for Unknown.
func (m *MatchResult) WinnerRef() (TeamRef, bool) {
	switch m.Winner {
	case SideA:
		return m.TeamA, true
	case SideB:
		return m.TeamB, true
	default:
		return TeamRef{}, false
	}
}

// Opponent returns the pilot id that played against pilotID, or "" if pilotID did not play.
func (m *MatchResult) Opponent(pilotID string) string {
	switch pilotID {
	case m.TeamA.PilotID:
		return m.TeamB.PilotID
	case m.TeamB.PilotID:
		return m.TeamA.PilotID
	default:
		return ""
	}
}

// Involves reports whether ref played either side of the match.
func (m *MatchResult) Involves(ref TeamRef) bool {
	return m.TeamA == ref || m.TeamB == ref
}

// MatchExecutionResult is what a finished executor job hands back.
type MatchExecutionResult struct {
	Result         *MatchResult `json:"result"`
	NormalizedName string       `json:"normalizedName"`
	// SimDir is the retained simulation tree. Empty for scheduled runs.
	SimDir  string `json:"simDir,omitempty"`
	LogPath string `json:"logPath"`
}

// NormalizedName labels a pair independently of argument order:
// <first>_v<n>_vs_<second>_v<m> with pilots sorted by name.
func NormalizedName(a, b *Pilot) string {
	first, second := a, b
	if b.Name < a.Name || (b.Name == a.Name && b.ID < a.ID) {
		first, second = b, a
	}
	return fmt.Sprintf("%s_v%d_vs_%s_v%d", first.Name, first.Current.Version, second.Name, second.Current.Version)
}
