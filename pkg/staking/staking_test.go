package staking

import (
	"testing"

	"github.com/richard-senior/podds/pkg/markets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeBetValueScenario(t *testing.T) {
	a := AnalyzeBet(0.60, 2.00, 1000, DefaultPolicy())

	assert.Greater(t, a.EVPercent, 0.0)
	assert.InDelta(t, 20.0, a.EVPercent, 1e-9)
	assert.True(t, a.IsValueBet)
	assert.Greater(t, a.StakeRecommended, 0.0)

	// full Kelly is 0.2, quarter Kelly 0.05, which meets the 5% cap exactly
	assert.InDelta(t, 0.2, a.KellyPercent, 1e-12)
	assert.InDelta(t, 0.05, a.KellyAdjusted, 1e-12)
	assert.InDelta(t, 50.0, a.StakeRecommended, 1e-9)
	assert.InDelta(t, 5.0, a.StakePercent, 1e-9)
	assert.InDelta(t, 0.5, a.ProbImplied, 1e-12)
	assert.InDelta(t, 0.1, a.Edge, 1e-12)
	assert.InDelta(t, 10.0, a.EV, 1e-9)
	assert.NotEqual(t, NoBet, a.Recommendation)
}

func TestAnalyzeBetNegativeScenario(t *testing.T) {
	a := AnalyzeBet(0.40, 2.00, 1000, DefaultPolicy())
	assert.Less(t, a.EVPercent, 0.0)
	assert.False(t, a.IsValueBet)
	assert.Equal(t, 0.0, a.StakeRecommended)
	assert.Equal(t, NoBet, a.Recommendation)
}

func TestStakeNeverExceedsCap(t *testing.T) {
	policy := DefaultPolicy()
	policy.KellyFraction = 1
	policy.MaxStakePercent = 0.03
	for _, prob := range []float64{0.3, 0.5, 0.7, 0.9, 0.99} {
		for _, odds := range []float64{1.1, 1.5, 2, 3.5, 10} {
			a := AnalyzeBet(prob, odds, 2500, policy)
			assert.LessOrEqual(t, a.StakeRecommended, 2500*0.03+1e-9, "p=%v odds=%v", prob, odds)
		}
	}
	a := AnalyzeBet(0.9, 3.0, 2500, policy)
	assert.True(t, a.StakeLimited)
	assert.InDelta(t, 75.0, a.StakeRecommended, 1e-9)
}

func TestDoubleGateRejectsMarginalEdges(t *testing.T) {
	// positive EV but quarter Kelly below 1%
	a := AnalyzeBet(0.51, 2.00, 1000, DefaultPolicy())
	assert.Greater(t, a.EVPercent, 0.0)
	assert.Less(t, a.KellyAdjusted, 0.01)
	assert.False(t, a.IsValueBet)
}

func TestEVScalesLinearlyWithStake(t *testing.T) {
	for _, stake := range []float64{1, 7.5, 100} {
		one := CalculateEV(0.45, 2.4, stake)
		two := CalculateEV(0.45, 2.4, 2*stake)
		assert.InDelta(t, 2*one.EVAbsolute, two.EVAbsolute, 1e-9)
		assert.InDelta(t, one.EVPercent, two.EVPercent, 1e-9)
	}
	assert.Equal(t, 0.0, CalculateEV(0.45, 2.4, 0).EVPercent)
}

func TestKellyBounds(t *testing.T) {
	for p := 0.0; p <= 1.0; p += 0.05 {
		for _, odds := range []float64{1.01, 1.5, 2, 5, 50} {
			k := KellyCriterion(p, odds, 0.5, DefaultBands())
			assert.GreaterOrEqual(t, k.KellyPercent, 0.0)
			assert.LessOrEqual(t, k.KellyPercent, 1.0)
			assert.InDelta(t, 0.5*k.KellyPercent, k.KellyAdjusted, 1e-12)
		}
	}
}

func TestDegenerateOdds(t *testing.T) {
	for _, odds := range []float64{1.0, 0.5, 0, -2} {
		a := AnalyzeBet(0.9, odds, 1000, DefaultPolicy())
		assert.Equal(t, 0.0, a.StakeRecommended)
		assert.False(t, a.IsValueBet)
		assert.Equal(t, NoBet, a.Recommendation)
		assert.Equal(t, KellyResult{Recommendation: NoBet}, KellyCriterion(0.9, odds, 0.25, DefaultBands()))
		assert.Equal(t, EVResult{}, CalculateEV(0.9, odds, 10))
	}
}

func TestBands(t *testing.T) {
	b := DefaultBands()
	assert.Equal(t, NoBet, b.Classify(0.005))
	assert.Equal(t, Minimal, b.Classify(0.01))
	assert.Equal(t, Minimal, b.Classify(0.019))
	assert.Equal(t, Moderate, b.Classify(0.02))
	assert.Equal(t, Moderate, b.Classify(0.049))
	assert.Equal(t, High, b.Classify(0.05))
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.KellyFraction = 0
	assert.ErrorContains(t, p.Validate(), "kelly_fraction")

	p = DefaultPolicy()
	p.MaxStakePercent = 5
	assert.ErrorContains(t, p.Validate(), "max_stake_percent")

	p = DefaultPolicy()
	p.Bands = Bands{Minimal: 0.05, Moderate: 0.02, High: 0.01}
	assert.ErrorContains(t, p.Validate(), "ascending")
}

func TestAnalyzeMarkets(t *testing.T) {
	probs := markets.MarketProbabilities{HomeWin: 0.55, Draw: 0.25, AwayWin: 0.20, Over25: 0.6, Under25: 0.4, BTTSYes: 0.5, BTTSNo: 0.5}
	odds := MarketOdds{Home: 2.1, Draw: 3.6, Away: 4.0, Over25: 1.9}

	sel := AnalyzeMarkets(probs, odds, 1000, DefaultPolicy())
	require.Len(t, sel, 4, "only priced selections")
	for i := 1; i < len(sel); i++ {
		assert.GreaterOrEqual(t, sel[i-1].Analysis.EVPercent, sel[i].Analysis.EVPercent)
	}
	assert.Equal(t, "home", sel[0].Selection)

	value := ValueBets(sel)
	require.NotEmpty(t, value)
	for _, v := range value {
		assert.True(t, v.Analysis.IsValueBet)
	}
}
