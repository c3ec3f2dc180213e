package markets

import (
	"fmt"
	"math"
)

// Tolerance used when checking the group invariants
const Tolerance = 1e-6

// MarketProbabilities holds the standard market set for one match
type MarketProbabilities struct {
	HomeWin float64 `json:"home_win"`
	Draw    float64 `json:"draw"`
	AwayWin float64 `json:"away_win"`
	Over25  float64 `json:"over_2_5"`
	Under25 float64 `json:"under_2_5"`
	BTTSYes float64 `json:"btts_yes"`
	BTTSNo  float64 `json:"btts_no"`
}

// Validate checks ranges and the three group invariants
func (p MarketProbabilities) Validate() error {
	fields := map[string]float64{
		"home_win":  p.HomeWin,
		"draw":      p.Draw,
		"away_win":  p.AwayWin,
		"over_2_5":  p.Over25,
		"under_2_5": p.Under25,
		"btts_yes":  p.BTTSYes,
		"btts_no":   p.BTTSNo,
	}
	for name, v := range fields {
		if math.IsNaN(v) || v < -Tolerance || v > 1+Tolerance {
			return fmt.Errorf("%s is out of range: %v", name, v)
		}
	}
	if s := p.HomeWin + p.Draw + p.AwayWin; math.Abs(s-1) > Tolerance {
		return fmt.Errorf("1X2 probabilities sum to %v", s)
	}
	if s := p.Over25 + p.Under25; math.Abs(s-1) > Tolerance {
		return fmt.Errorf("over/under 2.5 probabilities sum to %v", s)
	}
	if s := p.BTTSYes + p.BTTSNo; math.Abs(s-1) > Tolerance {
		return fmt.Errorf("btts probabilities sum to %v", s)
	}
	return nil
}

// Favourite returns "home", "draw" or "away", whichever is most likely
func (p MarketProbabilities) Favourite() string {
	switch {
	case p.HomeWin >= p.Draw && p.HomeWin >= p.AwayWin:
		return "home"
	case p.AwayWin >= p.Draw:
		return "away"
	default:
		return "draw"
	}
}

// Scoreline is one cell of a score matrix
type Scoreline struct {
	HomeGoals   int     `json:"home_goals"`
	AwayGoals   int     `json:"away_goals"`
	Probability float64 `json:"probability"`
}

func (s Scoreline) String() string {
	return fmt.Sprintf("%d-%d", s.HomeGoals, s.AwayGoals)
}

// Prediction is the output of a single model for one fixture
type Prediction struct {
	Model             string              `json:"model"`
	HomeTeam          string              `json:"home_team"`
	AwayTeam          string              `json:"away_team"`
	ExpectedHomeGoals float64             `json:"expected_home_goals"`
	ExpectedAwayGoals float64             `json:"expected_away_goals"`
	Markets           MarketProbabilities `json:"markets"`
	TopScorelines     []Scoreline         `json:"top_scorelines,omitempty"`
	Matrix            *ScoreMatrix        `json:"-"`
}

// TopScorelineCount is the number of scorelines attached to a prediction
const TopScorelineCount = 10

// NewPrediction derives markets and top scorelines from a built matrix
func NewPrediction(model, home, away string, lambdaHome, lambdaAway float64, m *ScoreMatrix) *Prediction {
	return &Prediction{
		Model:             model,
		HomeTeam:          home,
		AwayTeam:          away,
		ExpectedHomeGoals: lambdaHome,
		ExpectedAwayGoals: lambdaAway,
		Markets:           m.Derive(),
		TopScorelines:     m.TopScorelines(TopScorelineCount),
		Matrix:            m,
	}
}
