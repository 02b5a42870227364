package pairing

import (
	"context"
	"fmt"

	"aipilot/internal/arena/model"
)

const DefaultMatchesPer = 10

// DefaultPairFailureLimit caps crashed runs of one pair when maxFails does not.
const DefaultPairFailureLimit = 5

// PilotLister returns pilots in a stable order.
type PilotLister interface {
	List(ctx context.Context) ([]*model.Pilot, error)
}

// HistoryReader returns the matches a pilot version took part in.
type HistoryReader interface {
	History(ctx context.Context, ref model.TeamRef) ([]*model.MatchResult, error)
}

// FailureReader returns crashed runs of a pilot version keyed by opponent version.
type FailureReader interface {
	FailureCounts(ctx context.Context, ref model.TeamRef) (map[model.TeamRef]int, error)
}

// Selector picks the next under-covered pair greedily.
type Selector struct {
	pilots     PilotLister
	history    HistoryReader
	failures   FailureReader
	matchesPer int
	maxFails   int
}

// NewSelector creates a selector. matchesPer <= 0 falls back to DefaultMatchesPer;
// maxFails <= 0 never excludes a version. A nil failures never skips a pair.
func NewSelector(pilots PilotLister, history HistoryReader, failures FailureReader, matchesPer, maxFails int) *Selector {
	if matchesPer <= 0 {
		matchesPer = DefaultMatchesPer
	}
	return &Selector{pilots: pilots, history: history, failures: failures, matchesPer: matchesPer, maxFails: maxFails}
}

func (s *Selector) pairFailureLimit() int {
	if s.maxFails > 0 {
		return s.maxFails
	}
	return DefaultPairFailureLimit
}

// MatchesPer returns the coverage target.
func (s *Selector) MatchesPer() int {
	return s.matchesPer
}

// SelectNextPair returns the first pair, in list order, whose match count at the
// first pilot's current version is below the coverage target. A pair that has
// crashed pairFailureLimit times at the current versions is passed over. ok is
// false when every pair is covered.
func (s *Selector) SelectNextPair(ctx context.Context) (a, b *model.Pilot, ok bool, err error) {
	all, err := s.pilots.List(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("list pilots: %w", err)
	}
	eligible := make([]*model.Pilot, 0, len(all))
	for _, p := range all {
		if p.HasArtifact() && !p.Disabled(s.maxFails) {
			eligible = append(eligible, p)
		}
	}

	for _, p := range eligible {
		history, err := s.history.History(ctx, p.CurrentRef())
		if err != nil {
			return nil, nil, false, fmt.Errorf("load history of %s: %w", p.Name, err)
		}
		counts := make(map[string]int, len(eligible))
		for _, m := range history {
			counts[m.Opponent(p.ID)]++
		}
		var crashed map[model.TeamRef]int
		if s.failures != nil {
			if crashed, err = s.failures.FailureCounts(ctx, p.CurrentRef()); err != nil {
				return nil, nil, false, fmt.Errorf("load failures of %s: %w", p.Name, err)
			}
		}
		for _, o := range eligible {
			if o.ID == p.ID {
				continue
			}
			if crashed[o.CurrentRef()] >= s.pairFailureLimit() {
				continue
			}
			if counts[o.ID] < s.matchesPer {
				return p, o, true, nil
			}
		}
	}
	return nil, nil, false, nil
}
