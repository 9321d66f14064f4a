package strategy

import (
	"math"
	"sort"

	"github.com/atlas-desktop/swing-backtester/internal/screener"
	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"go.uber.org/zap"
)

const scoreEpsilon = 1e-9

// Scored is one family evaluated for a candidate
type Scored struct {
	Strategy string  `json:"strategy"`
	Affinity float64 `json:"affinity"`
	Fit      float64 `json:"fit"`
	Score    float64 `json:"score"`
	Excluded bool    `json:"excluded,omitempty"`
}

// Match is the matcher's pick for one candidate
type Match struct {
	Strategy   string   `json:"strategy"`
	Confidence float64  `json:"confidence"`
	Scores     []Scored `json:"scores"`
}

// Matcher selects the best-fit strategy for a candidate from the regime table
type Matcher struct {
	logger   *zap.Logger
	params   types.MatcherParams
	registry *Registry
	priority map[string]int
}

// NewMatcher creates a matcher over the registry
func NewMatcher(logger *zap.Logger, params types.MatcherParams, registry *Registry) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	priority := make(map[string]int, len(params.Priority))
	for i, name := range params.Priority {
		if _, dup := priority[name]; !dup {
			priority[name] = i
		}
	}
	return &Matcher{logger: logger, params: params, registry: registry, priority: priority}
}

// Families returns the acceptable strategies for a regime, in table order
func (m *Matcher) Families(regime types.RegimeType) []string {
	return m.params.Table[string(regime)]
}

// Affinity scores how strongly the profile recommends the strategy
func Affinity(profile *types.StockProfile, strategy string) float64 {
	switch {
	case profile == nil || profile.Type == types.ProfileUnclassified || profile.Type == "":
		return 0.5
	case profile.Recommends(strategy):
		return 1.0
	default:
		return 0.25
	}
}

// Match scores every acceptable family and returns the winner. ok is false
// when no family reaches the minimum confidence. excluded, if set, removes
// families such as degraded strategies from consideration.
func (m *Matcher) Match(regime types.RegimeType, profile *types.StockProfile, snap *screener.Snapshot, excluded func(string) bool) (*Match, bool) {
	families := m.Families(regime)
	match := &Match{Scores: make([]Scored, 0, len(families))}

	best := -1
	for _, name := range families {
		exec, ok := m.registry.Get(name)
		if !ok {
			m.logger.Warn("Regime table names unknown strategy", zap.String("strategy", name))
			continue
		}

		sc := Scored{Strategy: name, Affinity: Affinity(profile, name), Fit: exec.Fit(snap)}
		sc.Score = clamp01(m.params.ProfileWeight*sc.Affinity + m.params.TechnicalWeight*sc.Fit)
		if excluded != nil && excluded(name) {
			sc.Excluded = true
		}
		match.Scores = append(match.Scores, sc)

		if sc.Excluded || sc.Score < m.params.MinConfidence {
			continue
		}
		if best < 0 || m.better(sc, match.Scores[best]) {
			best = len(match.Scores) - 1
		}
	}

	if best < 0 {
		return match, false
	}
	match.Strategy = match.Scores[best].Strategy
	match.Confidence = match.Scores[best].Score
	return match, true
}

// better reports whether a beats the current best b. Equal scores fall back
// to the configured priority order.
func (m *Matcher) better(a, b Scored) bool {
	if math.Abs(a.Score-b.Score) > scoreEpsilon {
		return a.Score > b.Score
	}
	return m.rank(a.Strategy) < m.rank(b.Strategy)
}

// rank places unlisted strategies after every listed one, by name
func (m *Matcher) rank(name string) int {
	if r, ok := m.priority[name]; ok {
		return r
	}
	return len(m.priority) + sort.SearchStrings(m.registry.List(), name)
}
