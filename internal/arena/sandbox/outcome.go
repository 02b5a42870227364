package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"aipilot/internal/arena/model"
)

// OutcomeExtractor recognizes a winner declaration in one line of simulation output.
type OutcomeExtractor interface {
	Extract(line string) (model.Side, bool)
}

// MarkerConfig sets the literals of the winner marker line.
// An empty Tag accepts any tag.
type MarkerConfig struct {
	Tag     string `yaml:"tag"`
	SideA   string `yaml:"sideA"`
	SideB   string `yaml:"sideB"`
	Unknown string `yaml:"unknown"`
}

// MarkerExtractor matches "[INFO] [<tag>] Winning team: <side>".
type MarkerExtractor struct {
	pattern *regexp.Regexp
	sides   map[string]model.Side
}

// NewMarkerExtractor compiles the marker for cfg. Unset side literals default to
// SideA, SideB and Unknown.
func NewMarkerExtractor(cfg MarkerConfig) (*MarkerExtractor, error) {
	if cfg.SideA == "" {
		cfg.SideA = string(model.SideA)
	}
	if cfg.SideB == "" {
		cfg.SideB = string(model.SideB)
	}
	if cfg.Unknown == "" {
		cfg.Unknown = string(model.Unknown)
	}
	if cfg.SideA == cfg.SideB || cfg.SideA == cfg.Unknown || cfg.SideB == cfg.Unknown {
		return nil, fmt.Errorf("marker side literals must be distinct")
	}

	tag := `[^\]]*`
	if cfg.Tag != "" {
		tag = regexp.QuoteMeta(cfg.Tag)
	}
	alternatives := strings.Join([]string{
		regexp.QuoteMeta(cfg.SideA),
		regexp.QuoteMeta(cfg.SideB),
		regexp.QuoteMeta(cfg.Unknown),
	}, "|")
	pattern, err := regexp.Compile(`\[INFO\] \[` + tag + `\] Winning team: (` + alternatives + `)\s*$`)
	if err != nil {
		return nil, fmt.Errorf("compile marker pattern: %w", err)
	}
	return &MarkerExtractor{
		pattern: pattern,
		sides: map[string]model.Side{
			cfg.SideA:   model.SideA,
			cfg.SideB:   model.SideB,
			cfg.Unknown: model.Unknown,
		},
	}, nil
}

// Extract returns the declared side when line carries the marker.
func (m *MarkerExtractor) Extract(line string) (model.Side, bool) {
	match := m.pattern.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	side, ok := m.sides[match[1]]
	return side, ok
}

// LastOutcome keeps the most recent declaration seen across many lines.
type LastOutcome struct {
	extractor OutcomeExtractor
	side      model.Side
}

// NewLastOutcome tracks declarations recognized by extractor. Nothing seen means Unknown.
func NewLastOutcome(extractor OutcomeExtractor) *LastOutcome {
	return &LastOutcome{extractor: extractor, side: model.Unknown}
}

// Observe feeds one line.
func (l *LastOutcome) Observe(line string) {
	if side, ok := l.extractor.Extract(line); ok {
		l.side = side
	}
}

// Side returns the last declared side.
func (l *LastOutcome) Side() model.Side {
	return l.side
}
