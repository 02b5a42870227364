package model

import (
	"regexp"
	"time"

	appErr "aipilot/pkg/errors"
)

var pilotNamePattern = regexp.MustCompile(`^[\w-]{3,32}$`)

// PilotVersion is one uploaded build of a pilot.
type PilotVersion struct {
	Version    int       `json:"version"`
	ArtifactID string    `json:"artifactId"`
	FailCount  int       `json:"failCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Pilot is a versioned competitor. Current.Version always equals len(Versions).
type Pilot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"ownerId"`
	Current   PilotVersion   `json:"current"`
	Versions  []PilotVersion `json:"versions"`
	CreatedAt time.Time      `json:"createdAt"`
}

// HasArtifact reports whether the pilot has a runnable current version.
func (p *Pilot) HasArtifact() bool {
	return p != nil && p.Current.Version > 0 && p.Current.ArtifactID != ""
}

// Disabled reports whether the current version failed too often to be scheduled.
// A non-positive maxFails never disables.
func (p *Pilot) Disabled(maxFails int) bool {
	return maxFails > 0 && p.Current.FailCount >= maxFails
}

// CurrentRef identifies the pilot at its current version.
func (p *Pilot) CurrentRef() TeamRef {
	return TeamRef{PilotID: p.ID, Version: p.Current.Version}
}

// ValidatePilotName checks the 3-32 character word/dash rule.
func ValidatePilotName(name string) error {
	if !pilotNamePattern.MatchString(name) {
		return appErr.New(appErr.InvalidPilotName).WithDetail("name", name)
	}
	return nil
}
