// Package staking sizes bets from a model probability and posted decimal
// odds using expected value and fractional Kelly under a hard stake cap.
// Every function here is pure: nothing mutates a bankroll.
package staking

import (
	"fmt"
	"math"
)

type Recommendation string

const (
	NoBet    Recommendation = "no_bet"
	Minimal  Recommendation = "minimal"
	Moderate Recommendation = "moderate"
	High     Recommendation = "high"
)

// Bands are the adjusted-Kelly thresholds for each recommendation.
// Below Minimal is NoBet.
type Bands struct {
	Minimal  float64 `yaml:"minimal" json:"minimal"`
	Moderate float64 `yaml:"moderate" json:"moderate"`
	High     float64 `yaml:"high" json:"high"`
}

func DefaultBands() Bands {
	return Bands{Minimal: 0.01, Moderate: 0.02, High: 0.05}
}

// Classify bands an adjusted Kelly fraction
func (b Bands) Classify(kellyAdjusted float64) Recommendation {
	switch {
	case kellyAdjusted < b.Minimal:
		return NoBet
	case kellyAdjusted < b.Moderate:
		return Minimal
	case kellyAdjusted < b.High:
		return Moderate
	}
	return High
}

// Policy is the staking configuration
type Policy struct {
	// KellyFraction scales the full Kelly stake, typically 0.25 to 0.5
	KellyFraction float64 `yaml:"kelly_fraction"`
	// MaxStakePercent is the hard cap as a fraction of bankroll (0.05 = 5%)
	MaxStakePercent float64 `yaml:"max_stake_percent"`
	// MinKelly is the adjusted Kelly a value bet must reach
	MinKelly float64 `yaml:"min_kelly"`
	Bands    Bands   `yaml:"bands"`
}

func DefaultPolicy() Policy {
	return Policy{
		KellyFraction:   0.25,
		MaxStakePercent: 0.05,
		MinKelly:        0.01,
		Bands:           DefaultBands(),
	}
}

// Validate checks the policy
func (p Policy) Validate() error {
	if p.KellyFraction <= 0 || p.KellyFraction > 1 {
		return fmt.Errorf("kelly_fraction must be in (0, 1], got %v", p.KellyFraction)
	}
	if p.MaxStakePercent <= 0 || p.MaxStakePercent > 1 {
		return fmt.Errorf("max_stake_percent must be in (0, 1], got %v", p.MaxStakePercent)
	}
	if p.MinKelly < 0 {
		return fmt.Errorf("min_kelly must not be negative, got %v", p.MinKelly)
	}
	if !(p.Bands.Minimal <= p.Bands.Moderate && p.Bands.Moderate <= p.Bands.High) {
		return fmt.Errorf("bands must be ascending, got %v/%v/%v", p.Bands.Minimal, p.Bands.Moderate, p.Bands.High)
	}
	return nil
}

// EVResult is the expected value of a stake
type EVResult struct {
	EVAbsolute float64 `json:"ev_absolute"`
	EVPercent  float64 `json:"ev_percent"`
	IsValueBet bool    `json:"is_value_bet"`
}

// CalculateEV returns p*(odds-1)*stake - (1-p)*stake. Odds of 1 or less
// are not bettable and give a zero result.
func CalculateEV(prob, odds, stake float64) EVResult {
	if !bettable(odds) || math.IsNaN(prob) {
		return EVResult{}
	}
	prob = clamp01(prob)
	ev := prob*(odds-1)*stake - (1-prob)*stake
	r := EVResult{EVAbsolute: ev, IsValueBet: ev > 0}
	if stake != 0 {
		r.EVPercent = ev / stake * 100
	}
	return r
}

// KellyResult is a Kelly sizing
type KellyResult struct {
	KellyPercent   float64        `json:"kelly_percent"`
	KellyAdjusted  float64        `json:"kelly_adjusted"`
	Recommendation Recommendation `json:"recommendation"`
}

// KellyCriterion returns the full Kelly fraction clamp((p*odds-1)/(odds-1), 0, 1),
// the fraction scaled by kellyFraction, and its band
func KellyCriterion(prob, odds, kellyFraction float64, bands Bands) KellyResult {
	if !bettable(odds) || math.IsNaN(prob) {
		return KellyResult{Recommendation: NoBet}
	}
	k := clamp01((clamp01(prob)*odds - 1) / (odds - 1))
	adj := k * math.Max(0, kellyFraction)
	return KellyResult{KellyPercent: k, KellyAdjusted: adj, Recommendation: bands.Classify(adj)}
}

// BetAnalysis is the full sizing of one selection
type BetAnalysis struct {
	Odds             float64        `json:"odds"`
	ProbModel        float64        `json:"prob_model"`
	ProbImplied      float64        `json:"prob_implied"`
	Edge             float64        `json:"edge"`
	EV               float64        `json:"ev"`
	EVPercent        float64        `json:"ev_percent"`
	KellyPercent     float64        `json:"kelly_percent"`
	KellyAdjusted    float64        `json:"kelly_adjusted"`
	StakeRecommended float64        `json:"stake_recommended"`
	StakePercent     float64        `json:"stake_percent"`
	StakeLimited     bool           `json:"stake_limited"`
	Recommendation   Recommendation `json:"recommendation"`
	IsValueBet       bool           `json:"is_value_bet"`
}

// AnalyzeBet sizes a bet. The stake is min(bankroll*kelly_adjusted,
// bankroll*max_stake_percent) and the cap always wins. A value bet needs
// positive EV and an adjusted Kelly of at least policy.MinKelly.
func AnalyzeBet(prob, odds, bankroll float64, policy Policy) BetAnalysis {
	a := BetAnalysis{Odds: odds, ProbModel: prob, Recommendation: NoBet}
	if !bettable(odds) || math.IsNaN(prob) {
		return a
	}
	prob = clamp01(prob)
	a.ProbModel = prob
	a.ProbImplied = 1 / odds
	a.Edge = prob - a.ProbImplied

	unit := CalculateEV(prob, odds, 1)
	a.EVPercent = unit.EVPercent

	kelly := KellyCriterion(prob, odds, policy.KellyFraction, policy.Bands)
	a.KellyPercent = kelly.KellyPercent
	a.KellyAdjusted = kelly.KellyAdjusted
	a.Recommendation = kelly.Recommendation

	if bankroll > 0 {
		stake := bankroll * kelly.KellyAdjusted
		limit := bankroll * math.Max(0, policy.MaxStakePercent)
		if stake > limit {
			stake = limit
			a.StakeLimited = true
		}
		a.StakeRecommended = stake
		a.StakePercent = stake / bankroll * 100
		a.EV = CalculateEV(prob, odds, stake).EVAbsolute
	}

	a.IsValueBet = unit.EVAbsolute > 0 && kelly.KellyAdjusted >= policy.MinKelly
	return a
}

func bettable(odds float64) bool {
	return odds > 1 && !math.IsInf(odds, 0) && !math.IsNaN(odds)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
