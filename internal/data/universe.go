package data

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/atlas-desktop/swing-backtester/pkg/types"
	"github.com/atlas-desktop/swing-backtester/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Membership is one continuous period a symbol belonged to the universe
type Membership struct {
	Symbol string
	Sector string
	From   time.Time
	To     time.Time // zero means still a member
}

type universeFile struct {
	Members []struct {
		Symbol string `yaml:"symbol"`
		Sector string `yaml:"sector"`
		From   string `yaml:"from"`
		To     string `yaml:"to"`
	} `yaml:"members"`
	Profiles []struct {
		Symbol                string   `yaml:"symbol"`
		Type                  string   `yaml:"type"`
		RecommendedStrategies []string `yaml:"recommended_strategies"`
		AsOf                  string   `yaml:"as_of"`
	} `yaml:"profiles"`
}

// HistoricalUniverse answers membership from dated periods, so symbols that
// later left the universe are still eligible on the days they were members
type HistoricalUniverse struct {
	members  []Membership
	sectors  map[string]string
	profiles map[string][]types.StockProfile
}

// NewHistoricalUniverse builds a universe from membership periods
func NewHistoricalUniverse(members []Membership) *HistoricalUniverse {
	u := &HistoricalUniverse{
		members:  append([]Membership(nil), members...),
		sectors:  make(map[string]string),
		profiles: make(map[string][]types.StockProfile),
	}
	for _, m := range members {
		if m.Sector != "" {
			u.sectors[m.Symbol] = m.Sector
		}
	}
	return u
}

// LoadUniverseYAML reads members and optional profiles from a YAML file
func LoadUniverseYAML(path string) (*HistoricalUniverse, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read universe file: %w", err)
	}
	return ParseUniverseYAML(raw)
}

// ParseUniverseYAML decodes a universe document
func ParseUniverseYAML(raw []byte) (*HistoricalUniverse, error) {
	var doc universeFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse universe file: %w", err)
	}

	members := make([]Membership, 0, len(doc.Members))
	for _, m := range doc.Members {
		mem := Membership{Symbol: utils.FormatSymbol(m.Symbol), Sector: m.Sector}
		var err error
		if m.From != "" {
			if mem.From, err = time.Parse("2006-01-02", m.From); err != nil {
				return nil, fmt.Errorf("member %s from: %w", m.Symbol, err)
			}
		}
		if m.To != "" {
			if mem.To, err = time.Parse("2006-01-02", m.To); err != nil {
				return nil, fmt.Errorf("member %s to: %w", m.Symbol, err)
			}
		}
		members = append(members, mem)
	}

	u := NewHistoricalUniverse(members)
	for _, p := range doc.Profiles {
		profile := types.StockProfile{
			Symbol:                utils.FormatSymbol(p.Symbol),
			Type:                  types.ProfileType(p.Type),
			RecommendedStrategies: p.RecommendedStrategies,
		}
		if p.AsOf != "" {
			asOf, err := time.Parse("2006-01-02", p.AsOf)
			if err != nil {
				return nil, fmt.Errorf("profile %s as_of: %w", p.Symbol, err)
			}
			profile.AsOf = asOf
		}
		u.AddProfile(profile)
	}
	return u, nil
}

// AddProfile records a dated profile for a symbol
func (u *HistoricalUniverse) AddProfile(p types.StockProfile) {
	list := append(u.profiles[p.Symbol], p)
	sort.SliceStable(list, func(i, j int) bool { return list[i].AsOf.Before(list[j].AsOf) })
	u.profiles[p.Symbol] = list
}

// EligibleSymbols returns members on date, ascending
func (u *HistoricalUniverse) EligibleSymbols(ctx context.Context, date time.Time) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, m := range u.members {
		if !m.From.IsZero() && date.Before(m.From) {
			continue
		}
		if !m.To.IsZero() && date.After(m.To) {
			continue
		}
		if !seen[m.Symbol] {
			seen[m.Symbol] = true
			out = append(out, m.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AllSymbols returns every symbol that was ever a member, ascending
func (u *HistoricalUniverse) AllSymbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range u.members {
		if !seen[m.Symbol] {
			seen[m.Symbol] = true
			out = append(out, m.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Sector implements SectorLookup
func (u *HistoricalUniverse) Sector(symbol string) string {
	return u.sectors[symbol]
}

// Profile returns the latest profile published strictly before asOf
func (u *HistoricalUniverse) Profile(symbol string, asOf time.Time) *types.StockProfile {
	list := u.profiles[symbol]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].AsOf.Before(asOf) {
			p := list[i]
			return &p
		}
	}
	return nil
}
