package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/common/cache"
)

const (
	statsKeyPrefix       = "arena:stats:"
	defaultStatsCacheTTL = 30 * time.Second
)

// PilotDirectory lists and finds pilots.
type PilotDirectory interface {
	List(ctx context.Context) ([]*model.Pilot, error)
	GetByName(ctx context.Context, name string) (*model.Pilot, error)
}

// MatchLister returns every match of a pilot across versions.
type MatchLister interface {
	ListByPilot(ctx context.Context, pilotID string) ([]*model.MatchResult, error)
}

// OpponentRecord is the head-to-head tally against one opponent.
type OpponentRecord struct {
	Name   string `json:"name"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
}

// PilotStats summarizes a pilot's results.
type PilotStats struct {
	Name           string           `json:"name"`
	CurrentVersion int              `json:"currentVersion"`
	Wins           int              `json:"wins"`
	Losses         int              `json:"losses"`
	WinRate        float64          `json:"winRate"`
	CurrentWins    int              `json:"currentWins"`
	CurrentLosses  int              `json:"currentLosses"`
	FailCount      int              `json:"failCount"`
	Disabled       bool             `json:"disabled"`
	Opponents      []OpponentRecord `json:"opponents"`
}

// StatsService computes pilot statistics with a short-lived cache.
type StatsService struct {
	pilots   PilotDirectory
	matches  MatchLister
	cache    cache.Cache
	ttl      time.Duration
	maxFails int
}

// NewStatsService creates a StatsService. A nil cache computes every call.
func NewStatsService(pilots PilotDirectory, matches MatchLister, cacheClient cache.Cache, ttl time.Duration, maxFails int) (*StatsService, error) {
	if pilots == nil || matches == nil {
		return nil, fmt.Errorf("pilot and match repositories are required")
	}
	if ttl <= 0 {
		ttl = defaultStatsCacheTTL
	}
	return &StatsService{pilots: pilots, matches: matches, cache: cacheClient, ttl: ttl, maxFails: maxFails}, nil
}

// PilotStats returns the statistics of the named pilot.
func (s *StatsService) PilotStats(ctx context.Context, name string) (*PilotStats, error) {
	if err := model.ValidatePilotName(name); err != nil {
		return nil, err
	}
	return cache.GetWithCached(
		ctx,
		s.cache,
		statsKeyPrefix+name,
		cache.JitterTTL(s.ttl),
		s.ttl,
		func(st *PilotStats) bool { return st == nil },
		func(st *PilotStats) string {
			data, _ := json.Marshal(st)
			return string(data)
		},
		func(data string) (*PilotStats, error) {
			var st PilotStats
			if err := json.Unmarshal([]byte(data), &st); err != nil {
				return nil, err
			}
			return &st, nil
		},
		func(ctx context.Context) (*PilotStats, error) {
			return s.compute(ctx, name)
		},
	)
}

func (s *StatsService) compute(ctx context.Context, name string) (*PilotStats, error) {
	pilot, err := s.pilots.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	matches, err := s.matches.ListByPilot(ctx, pilot.ID)
	if err != nil {
		return nil, err
	}
	all, err := s.pilots.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(all))
	for _, p := range all {
		names[p.ID] = p.Name
	}

	st := &PilotStats{
		Name:           pilot.Name,
		CurrentVersion: pilot.Current.Version,
		FailCount:      pilot.Current.FailCount,
		Disabled:       pilot.Disabled(s.maxFails),
		Opponents:      []OpponentRecord{},
	}
	current := pilot.CurrentRef()
	byOpponent := make(map[string]*OpponentRecord)
	for _, m := range matches {
		winner, ok := m.WinnerRef()
		if !ok {
			continue
		}
		won := winner.PilotID == pilot.ID
		opponentID := m.Opponent(pilot.ID)
		rec, exists := byOpponent[opponentID]
		if !exists {
			rec = &OpponentRecord{Name: names[opponentID]}
			if rec.Name == "" {
				rec.Name = opponentID
			}
			byOpponent[opponentID] = rec
		}
		if won {
			st.Wins++
			rec.Wins++
		} else {
			st.Losses++
			rec.Losses++
		}
		if m.Involves(current) {
			if won {
				st.CurrentWins++
			} else {
				st.CurrentLosses++
			}
		}
	}
	if total := st.Wins + st.Losses; total > 0 {
		st.WinRate = float64(st.Wins) / float64(total)
	}
	for _, rec := range byOpponent {
		st.Opponents = append(st.Opponents, *rec)
	}
	sort.Slice(st.Opponents, func(i, j int) bool { return st.Opponents[i].Name < st.Opponents[j].Name })
	return st, nil
}
