// Package dataset holds the normalised match history that every model is
// trained on. It is pure data: no I/O, no model logic.
package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TeamID is a validated team identifier (trimmed, non-empty team name)
type TeamID string

// ParseTeamID validates a raw team name
func ParseTeamID(name string) (TeamID, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", fmt.Errorf("team name is blank")
	}
	return TeamID(n), nil
}

func (t TeamID) String() string {
	return string(t)
}

// MatchOdds holds average decimal 1X2 odds, zero when unknown
type MatchOdds struct {
	Home float64 `json:"home,omitempty"`
	Draw float64 `json:"draw,omitempty"`
	Away float64 `json:"away,omitempty"`
}

// Known reports whether all three prices are usable
func (o MatchOdds) Known() bool {
	return o.Home > 1 && o.Draw > 1 && o.Away > 1
}

// MatchRecord is one finished match. Records are values and are never
// modified once inside a Dataset.
type MatchRecord struct {
	HomeTeam  string    `json:"homeTeam"`
	AwayTeam  string    `json:"awayTeam"`
	HomeGoals int       `json:"homeGoals"`
	AwayGoals int       `json:"awayGoals"`
	Date      time.Time `json:"date"`
	Season    string    `json:"season,omitempty"`
	League    string    `json:"league,omitempty"`
	Odds      MatchOdds `json:"odds,omitempty"`
}

func (m MatchRecord) String() string {
	return fmt.Sprintf("%s %s %d-%d %s", m.Date.Format("2006-01-02"), m.HomeTeam, m.HomeGoals, m.AwayGoals, m.AwayTeam)
}

// TotalGoals returns home plus away goals
func (m MatchRecord) TotalGoals() int {
	return m.HomeGoals + m.AwayGoals
}

// Involves reports whether team played in the match
func (m MatchRecord) Involves(team TeamID) bool {
	return TeamID(m.HomeTeam) == team || TeamID(m.AwayTeam) == team
}

// Dataset is an immutable collection of matches plus the team index built
// from them. Team indices are assigned in sorted name order so that two
// datasets with the same teams always produce the same parameter layout.
type Dataset struct {
	matches []MatchRecord
	teams   []TeamID
	index   map[TeamID]int
	played  []int
	oldest  time.Time
	newest  time.Time
}

// New builds a dataset from matches. Team names are trimmed. declared adds
// teams that must be present even if they have no matches; Validate will
// then reject the dataset, which is how a caller detects a team without
// history before fitting.
func New(matches []MatchRecord, declared ...string) *Dataset {
	ds := &Dataset{
		matches: make([]MatchRecord, 0, len(matches)),
		index:   make(map[TeamID]int),
	}

	names := make(map[TeamID]struct{})
	for _, m := range matches {
		m.HomeTeam = strings.TrimSpace(m.HomeTeam)
		m.AwayTeam = strings.TrimSpace(m.AwayTeam)
		ds.matches = append(ds.matches, m)
		if m.HomeTeam != "" {
			names[TeamID(m.HomeTeam)] = struct{}{}
		}
		if m.AwayTeam != "" {
			names[TeamID(m.AwayTeam)] = struct{}{}
		}
		if !m.Date.IsZero() {
			if ds.oldest.IsZero() || m.Date.Before(ds.oldest) {
				ds.oldest = m.Date
			}
			if m.Date.After(ds.newest) {
				ds.newest = m.Date
			}
		}
	}
	for _, d := range declared {
		if id, err := ParseTeamID(d); err == nil {
			names[id] = struct{}{}
		}
	}

	for name := range names {
		ds.teams = append(ds.teams, name)
	}
	sort.Slice(ds.teams, func(i, j int) bool { return ds.teams[i] < ds.teams[j] })
	for i, t := range ds.teams {
		ds.index[t] = i
	}

	ds.played = make([]int, len(ds.teams))
	for _, m := range ds.matches {
		if i, ok := ds.index[TeamID(m.HomeTeam)]; ok {
			ds.played[i]++
		}
		if i, ok := ds.index[TeamID(m.AwayTeam)]; ok {
			ds.played[i]++
		}
	}
	return ds
}

// Validate checks the dataset can support a rating fit
func (ds *Dataset) Validate() error {
	if ds == nil || len(ds.matches) == 0 {
		return &InsufficientDataError{Reason: "dataset is empty"}
	}
	for i, m := range ds.matches {
		if m.HomeTeam == "" || m.AwayTeam == "" {
			return &InsufficientDataError{Reason: fmt.Sprintf("match %d has a blank team name", i)}
		}
		if m.HomeTeam == m.AwayTeam {
			return &InsufficientDataError{Reason: fmt.Sprintf("match %d has %s playing itself", i, m.HomeTeam)}
		}
		if m.HomeGoals < 0 || m.AwayGoals < 0 {
			return &InsufficientDataError{Reason: fmt.Sprintf("match %d (%s) has negative goals", i, m)}
		}
	}
	if len(ds.teams) < 2 {
		return &InsufficientDataError{Reason: fmt.Sprintf("need at least 2 teams, have %d", len(ds.teams))}
	}
	for i, t := range ds.teams {
		if ds.played[i] == 0 {
			return &InsufficientDataError{Reason: fmt.Sprintf("team %s has no matches", t)}
		}
	}
	return nil
}

// Len returns the number of matches
func (ds *Dataset) Len() int {
	return len(ds.matches)
}

// Matches returns a copy of the match records
func (ds *Dataset) Matches() []MatchRecord {
	out := make([]MatchRecord, len(ds.matches))
	copy(out, ds.matches)
	return out
}

// Match returns the i'th record
func (ds *Dataset) Match(i int) MatchRecord {
	return ds.matches[i]
}

// Teams returns the team identifiers in index order
func (ds *Dataset) Teams() []TeamID {
	out := make([]TeamID, len(ds.teams))
	copy(out, ds.teams)
	return out
}

// TeamIndex returns the position of team in Teams()
func (ds *Dataset) TeamIndex(team TeamID) (int, bool) {
	i, ok := ds.index[team]
	return i, ok
}

// HasTeam reports whether the team appears in the dataset
func (ds *Dataset) HasTeam(team TeamID) bool {
	_, ok := ds.index[team]
	return ok
}

// MatchCount returns how many matches team has played
func (ds *Dataset) MatchCount(team TeamID) int {
	if i, ok := ds.index[team]; ok {
		return ds.played[i]
	}
	return 0
}

// Newest returns the date of the most recent match
func (ds *Dataset) Newest() time.Time {
	return ds.newest
}

// Oldest returns the date of the earliest match
func (ds *Dataset) Oldest() time.Time {
	return ds.oldest
}

// Filter returns a new dataset holding the matches for which keep is true
func (ds *Dataset) Filter(keep func(MatchRecord) bool) *Dataset {
	var out []MatchRecord
	for _, m := range ds.matches {
		if keep(m) {
			out = append(out, m)
		}
	}
	return New(out)
}

// Before returns the matches played strictly before t
func (ds *Dataset) Before(t time.Time) *Dataset {
	return ds.Filter(func(m MatchRecord) bool { return m.Date.Before(t) })
}

// TeamMatches returns team's matches, most recent first
func (ds *Dataset) TeamMatches(team TeamID) []MatchRecord {
	var out []MatchRecord
	for _, m := range ds.matches {
		if m.Involves(team) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// HeadToHead returns the matches between a and b in either venue, most recent first
func (ds *Dataset) HeadToHead(a, b TeamID) []MatchRecord {
	var out []MatchRecord
	for _, m := range ds.matches {
		if m.Involves(a) && m.Involves(b) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// BaseRates returns the share of matches with more than 2.5 goals and the
// share where both teams scored
func (ds *Dataset) BaseRates() (over25 float64, btts float64) {
	if len(ds.matches) == 0 {
		return 0, 0
	}
	var o, b int
	for _, m := range ds.matches {
		if m.TotalGoals() > 2 {
			o++
		}
		if m.HomeGoals > 0 && m.AwayGoals > 0 {
			b++
		}
	}
	n := float64(len(ds.matches))
	return float64(o) / n, float64(b) / n
}
