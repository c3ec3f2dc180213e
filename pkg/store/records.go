package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/staking"
)

// MatchRow is a played match. The id is derived from date and teams so
// reloading a season updates rather than duplicates.
type MatchRow struct {
	ID        string  `column:"id" dbtype:"TEXT" primary:"true"`
	League    string  `column:"league" dbtype:"TEXT" index:"true"`
	Season    string  `column:"season" dbtype:"TEXT" index:"true"`
	PlayedAt  string  `column:"played_at" dbtype:"TEXT NOT NULL" index:"true"`
	HomeTeam  string  `column:"home_team" dbtype:"TEXT NOT NULL"`
	AwayTeam  string  `column:"away_team" dbtype:"TEXT NOT NULL"`
	HomeGoals int     `column:"home_goals" dbtype:"INTEGER NOT NULL"`
	AwayGoals int     `column:"away_goals" dbtype:"INTEGER NOT NULL"`
	HomeOdds  float64 `column:"home_odds" dbtype:"REAL"`
	DrawOdds  float64 `column:"draw_odds" dbtype:"REAL"`
	AwayOdds  float64 `column:"away_odds" dbtype:"REAL"`
}

func (m *MatchRow) TableName() string {
	return "matches"
}

func (m *MatchRow) PrimaryKey() map[string]any {
	return map[string]any{"id": m.ID}
}

func (m *MatchRow) BeforeSave() error {
	if m.ID == "" {
		return fmt.Errorf("match has no id")
	}
	return nil
}

// MatchID is date_home_away with spaces removed
func MatchID(m dataset.MatchRecord) string {
	clean := func(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), " ", "") }
	return fmt.Sprintf("%s_%s_%s", m.Date.UTC().Format("20060102"), clean(m.HomeTeam), clean(m.AwayTeam))
}

// NewMatchRow converts a dataset record
func NewMatchRow(m dataset.MatchRecord) *MatchRow {
	return &MatchRow{
		ID:        MatchID(m),
		League:    m.League,
		Season:    m.Season,
		PlayedAt:  m.Date.UTC().Format(time.RFC3339),
		HomeTeam:  strings.TrimSpace(m.HomeTeam),
		AwayTeam:  strings.TrimSpace(m.AwayTeam),
		HomeGoals: m.HomeGoals,
		AwayGoals: m.AwayGoals,
		HomeOdds:  m.Odds.Home,
		DrawOdds:  m.Odds.Draw,
		AwayOdds:  m.Odds.Away,
	}
}

// Record converts back to a dataset record
func (m *MatchRow) Record() (dataset.MatchRecord, error) {
	played, err := time.Parse(time.RFC3339, m.PlayedAt)
	if err != nil {
		return dataset.MatchRecord{}, fmt.Errorf("match %s: bad played_at: %w", m.ID, err)
	}
	return dataset.MatchRecord{
		HomeTeam:  m.HomeTeam,
		AwayTeam:  m.AwayTeam,
		HomeGoals: m.HomeGoals,
		AwayGoals: m.AwayGoals,
		Date:      played,
		Season:    m.Season,
		League:    m.League,
		Odds:      dataset.MatchOdds{Home: m.HomeOdds, Draw: m.DrawOdds, Away: m.AwayOdds},
	}, nil
}

// SaveMatches upserts matches in one transaction and returns how many
func (s *Store) SaveMatches(ctx context.Context, matches []dataset.MatchRecord) (int, error) {
	objs := make([]Persistable, 0, len(matches))
	for _, m := range matches {
		objs = append(objs, NewMatchRow(m))
	}
	if err := s.SaveAll(ctx, objs); err != nil {
		return 0, fmt.Errorf("failed to save matches: %w", err)
	}
	return len(objs), nil
}

// LoadMatches returns stored matches, oldest first, optionally restricted
// to some leagues
func (s *Store) LoadMatches(ctx context.Context, leagues ...string) ([]dataset.MatchRecord, error) {
	where := ""
	var args []any
	if len(leagues) > 0 {
		marks := make([]string, len(leagues))
		for i, l := range leagues {
			marks[i] = "?"
			args = append(args, l)
		}
		where = fmt.Sprintf("league IN (%s)", strings.Join(marks, ", "))
	}
	rows, err := FindWhere[MatchRow](ctx, s, where+orderBy(where, "played_at, id"), args...)
	if err != nil {
		return nil, err
	}
	out := make([]dataset.MatchRecord, 0, len(rows))
	for _, r := range rows {
		m, err := r.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// orderBy appends an ORDER BY to a possibly empty where clause
func orderBy(where, cols string) string {
	if where == "" {
		return "1 = 1 ORDER BY " + cols
	}
	return " ORDER BY " + cols
}

// BetRow is one analysed selection in the ledger
type BetRow struct {
	ID             string  `column:"id" dbtype:"TEXT" primary:"true" json:"id"`
	CreatedAt      string  `column:"created_at" dbtype:"TEXT NOT NULL" index:"true" json:"created_at"`
	HomeTeam       string  `column:"home_team" dbtype:"TEXT" json:"home_team"`
	AwayTeam       string  `column:"away_team" dbtype:"TEXT" json:"away_team"`
	Market         string  `column:"market" dbtype:"TEXT" json:"market"`
	Selection      string  `column:"selection" dbtype:"TEXT" json:"selection"`
	Odds           float64 `column:"odds" dbtype:"REAL" json:"odds"`
	ProbModel      float64 `column:"prob_model" dbtype:"REAL" json:"prob_model"`
	Edge           float64 `column:"edge" dbtype:"REAL" json:"edge"`
	EVPercent      float64 `column:"ev_percent" dbtype:"REAL" json:"ev_percent"`
	KellyAdjusted  float64 `column:"kelly_adjusted" dbtype:"REAL" json:"kelly_adjusted"`
	Stake          float64 `column:"stake" dbtype:"REAL" json:"stake"`
	Recommendation string  `column:"recommendation" dbtype:"TEXT" json:"recommendation"`
	IsValueBet     bool    `column:"is_value_bet" dbtype:"BOOLEAN" index:"true" json:"is_value_bet"`
}

func (b *BetRow) TableName() string {
	return "bets"
}

func (b *BetRow) PrimaryKey() map[string]any {
	return map[string]any{"id": b.ID}
}

// BeforeSave assigns a uuid and timestamp to new ledger entries
func (b *BetRow) BeforeSave() error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt == "" {
		b.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return nil
}

// NewBetRow records a staking analysis for a fixture
func NewBetRow(home, away string, sel staking.Selection) *BetRow {
	a := sel.Analysis
	return &BetRow{
		HomeTeam:       home,
		AwayTeam:       away,
		Market:         sel.Market,
		Selection:      sel.Selection,
		Odds:           a.Odds,
		ProbModel:      a.ProbModel,
		Edge:           a.Edge,
		EVPercent:      a.EVPercent,
		KellyAdjusted:  a.KellyAdjusted,
		Stake:          a.StakeRecommended,
		Recommendation: string(a.Recommendation),
		IsValueBet:     a.IsValueBet,
	}
}

// RecordBet appends b to the ledger and returns its id
func (s *Store) RecordBet(ctx context.Context, b *BetRow) (string, error) {
	if err := s.Save(ctx, b); err != nil {
		return "", err
	}
	return b.ID, nil
}

// Bets returns the ledger, newest first. valueOnly keeps value bets only.
func (s *Store) Bets(ctx context.Context, valueOnly bool) ([]*BetRow, error) {
	if valueOnly {
		return FindWhere[BetRow](ctx, s, "is_value_bet = ? ORDER BY created_at DESC", true)
	}
	return FindWhere[BetRow](ctx, s, "1 = 1 ORDER BY created_at DESC")
}
