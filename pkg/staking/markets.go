package staking

import (
	"sort"

	"github.com/richard-senior/podds/pkg/markets"
)

// MarketOdds holds posted decimal odds per selection; zero means unpriced
type MarketOdds struct {
	Home    float64 `json:"home,omitempty"`
	Draw    float64 `json:"draw,omitempty"`
	Away    float64 `json:"away,omitempty"`
	Over25  float64 `json:"over_2_5,omitempty"`
	Under25 float64 `json:"under_2_5,omitempty"`
	BTTSYes float64 `json:"btts_yes,omitempty"`
	BTTSNo  float64 `json:"btts_no,omitempty"`
}

// Selection is one analysed market outcome
type Selection struct {
	Market    string      `json:"market"`
	Selection string      `json:"selection"`
	Analysis  BetAnalysis `json:"analysis"`
}

// AnalyzeMarkets runs AnalyzeBet over every priced selection, best EV first
func AnalyzeMarkets(p markets.MarketProbabilities, odds MarketOdds, bankroll float64, policy Policy) []Selection {
	candidates := []struct {
		market, selection string
		prob, odds        float64
	}{
		{"1x2", "home", p.HomeWin, odds.Home},
		{"1x2", "draw", p.Draw, odds.Draw},
		{"1x2", "away", p.AwayWin, odds.Away},
		{"over_under_2_5", "over", p.Over25, odds.Over25},
		{"over_under_2_5", "under", p.Under25, odds.Under25},
		{"btts", "yes", p.BTTSYes, odds.BTTSYes},
		{"btts", "no", p.BTTSNo, odds.BTTSNo},
	}

	var out []Selection
	for _, c := range candidates {
		if c.odds <= 0 {
			continue
		}
		out = append(out, Selection{
			Market:    c.market,
			Selection: c.selection,
			Analysis:  AnalyzeBet(c.prob, c.odds, bankroll, policy),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Analysis.EVPercent > out[j].Analysis.EVPercent
	})
	return out
}

// ValueBets filters selections down to value bets
func ValueBets(sel []Selection) []Selection {
	var out []Selection
	for _, s := range sel {
		if s.Analysis.IsValueBet {
			out = append(out, s)
		}
	}
	return out
}
