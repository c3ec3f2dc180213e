package rating

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

var kickoff = time.Date(2024, 8, 10, 15, 0, 0, 0, time.UTC)

// lopsided is ten matches between two sides: A wins 2-0 at home and 1-0 away
func lopsided() *dataset.Dataset {
	var ms []dataset.MatchRecord
	for i := 0; i < 5; i++ {
		ms = append(ms,
			dataset.MatchRecord{HomeTeam: "A", AwayTeam: "B", HomeGoals: 2, AwayGoals: 0, Date: kickoff.AddDate(0, 0, 14*i)},
			dataset.MatchRecord{HomeTeam: "B", AwayTeam: "A", HomeGoals: 0, AwayGoals: 1, Date: kickoff.AddDate(0, 0, 14*i+7)},
		)
	}
	return dataset.New(ms)
}

// poissonSample draws a Poisson variate with Knuth's method
func poissonSample(rng *rand.Rand, lambda float64) int {
	l := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

type truth struct {
	homeAdv float64
	attack  map[string]float64
	defense map[string]float64
}

func leagueTruth() truth {
	return truth{
		homeAdv: 0.3,
		attack:  map[string]float64{"Ajax": 0.4, "Benfica": 0.2, "Celtic": 0.0, "Dynamo": 0.0, "Everton": -0.2, "Fulham": -0.4},
		defense: map[string]float64{"Ajax": 0.3, "Benfica": 0.1, "Celtic": 0.0, "Dynamo": -0.1, "Everton": -0.1, "Fulham": -0.2},
	}
}

// simulate plays every ordered pair rounds times under tr
func simulate(tr truth, rounds int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	var teams []string
	for t := range tr.attack {
		teams = append(teams, t)
	}
	// map order is random; sort for a reproducible draw sequence
	sort.Strings(teams)

	var ms []dataset.MatchRecord
	d := kickoff
	for r := 0; r < rounds; r++ {
		for _, h := range teams {
			for _, a := range teams {
				if h == a {
					continue
				}
				lh := math.Exp(tr.homeAdv + tr.attack[h] - tr.defense[a])
				la := math.Exp(tr.attack[a] - tr.defense[h])
				ms = append(ms, dataset.MatchRecord{
					HomeTeam: h, AwayTeam: a,
					HomeGoals: poissonSample(rng, lh), AwayGoals: poissonSample(rng, la),
					Date: d,
				})
				d = d.Add(24 * time.Hour)
			}
		}
	}
	return dataset.New(ms)
}

func TestLopsidedDatasetFavoursHomeSide(t *testing.T) {
	t.Log("Step 1: fit the offensive-defensive model on the lopsided dataset")
	m, err := Fit(context.Background(), lopsided(), DefaultFitOptions(OffensiveDefensive))
	require.NoError(t, err)

	t.Log("Step 2: predict A at home to B")
	p, err := m.PredictMatch("A", "B", 10)
	require.NoError(t, err)
	t.Logf("home %.4f draw %.4f away %.4f", p.Markets.HomeWin, p.Markets.Draw, p.Markets.AwayWin)

	assert.Greater(t, p.Markets.HomeWin, p.Markets.Draw)
	assert.Greater(t, p.Markets.HomeWin, p.Markets.AwayWin)
	assert.Greater(t, p.ExpectedHomeGoals, p.ExpectedAwayGoals)
	require.NoError(t, p.Markets.Validate())
}

func TestDixonColesRhoStaysAdmissibleOnLopsidedData(t *testing.T) {
	t.Log("Step 1: fit Dixon-Coles on data with no 0-0 or 1-1 result")
	m, err := Fit(context.Background(), lopsided(), DefaultFitOptions(DixonColes))
	require.NoError(t, err)

	params := m.Parameters()
	t.Logf("rho %.4f log-likelihood %.4f", params.Rho, params.LogLikelihood)
	assert.LessOrEqual(t, math.Abs(params.Rho), 1.0)
	assert.Less(t, params.LogLikelihood, 0.0)
	for team, r := range params.Ratings {
		assert.Less(t, math.Abs(r.Attack), maxEta, "attack of %s", team)
		assert.Less(t, math.Abs(r.Defense), maxEta, "defense of %s", team)
	}

	t.Log("Step 2: A at home to B must favour A")
	p, err := m.PredictMatch("A", "B", 10)
	require.NoError(t, err)
	assert.Greater(t, p.Markets.HomeWin, p.Markets.AwayWin)
	require.NoError(t, p.Markets.Validate())

	t.Log("Step 3: B at home to A must still favour A")
	p, err = m.PredictMatch("B", "A", 10)
	require.NoError(t, err)
	assert.Greater(t, p.Markets.AwayWin, p.Markets.HomeWin)
}

func TestDegenerateFitsAreRejected(t *testing.T) {
	ds := lopsided()
	obj := newObjective(ds, DixonColes, DecayWeights(ds.Matches(), 0, time.Time{}))
	sane := []float64{0.2, 0, 0.5, -0.5, 0.5, -0.5}
	assert.NoError(t, obj.degenerate(sane, -10))

	assert.ErrorIs(t, obj.degenerate(sane, 254.8), ErrDegenerateFit)
	assert.ErrorIs(t, obj.degenerate([]float64{0.2, math.NaN(), 0.5, -0.5, 0.5, -0.5}, -10), ErrDegenerateFit)
	assert.ErrorIs(t, obj.degenerate([]float64{0.2, 0, 3.89e7, -3.89e7, -3.89e7, 3.89e7}, -10), ErrDegenerateFit)

	// rho near 1 with large rates drives tau(0,0) = 1 - lh*la*rho negative
	err := obj.degenerate([]float64{2, math.Atanh(0.9), 1, -1, 1, -1}, -10)
	assert.ErrorIs(t, err, ErrDegenerateFit)
	assert.ErrorContains(t, err, "tau(0,0)")
}

func TestTauPenaltyOnlyBelowTheFloor(t *testing.T) {
	p, dH, dA, dR := tauPenalty(1.5, 1.2, 0.1)
	assert.Zero(t, p)
	assert.Zero(t, dH)
	assert.Zero(t, dA)
	assert.Zero(t, dR)

	// tau(0,0) = 1 - 3*2*0.5 = -2
	p, _, _, dR = tauPenalty(3, 2, 0.5)
	assert.Greater(t, p, 0.0)
	assert.Greater(t, dR, 0.0, "raising rho makes it worse")
	// tau(0,1) = 1 - 3*0.5 = -0.5
	p, _, _, dR = tauPenalty(3, 0.1, -0.5)
	assert.Greater(t, p, 0.0)
	assert.Less(t, dR, 0.0, "lowering rho makes it worse")
}

func TestStrengthsAreCentred(t *testing.T) {
	ds := simulate(leagueTruth(), 4, 7)
	for _, v := range []Variant{OffensiveDefensive, DixonColes} {
		m, err := Fit(context.Background(), ds, DefaultFitOptions(v))
		require.NoError(t, err)

		var att, def []float64
		for _, r := range m.Parameters().Ratings {
			att = append(att, r.Attack)
			def = append(def, r.Defense)
		}
		assert.InDelta(t, 0, floats.Sum(att)/float64(len(att)), 1e-6, v.String())
		assert.InDelta(t, 0, floats.Sum(def)/float64(len(def)), 1e-6, v.String())
	}
}

func TestFitRecoversSimulatedParameters(t *testing.T) {
	tr := leagueTruth()
	ds := simulate(tr, 10, 2024)

	opts := DefaultFitOptions(OffensiveDefensive)
	opts.TimeDecay = false
	m, err := Fit(context.Background(), ds, opts)
	require.NoError(t, err)

	params := m.Parameters()
	assert.InDelta(t, tr.homeAdv, params.HomeAdvantage, 0.15)
	for team, want := range tr.attack {
		got := params.Ratings[dataset.TeamID(team)]
		assert.InDelta(t, want, got.Attack, 0.3, "attack of %s", team)
		assert.InDelta(t, tr.defense[team], got.Defense, 0.3, "defense of %s", team)
	}
	assert.Greater(t, params.Ratings["Ajax"].Attack, params.Ratings["Fulham"].Attack)
	assert.Less(t, m.Parameters().LogLikelihood, 0.0)
}

func TestFitIsDeterministicForSeed(t *testing.T) {
	ds := simulate(leagueTruth(), 3, 11)
	opts := DefaultFitOptions(DixonColes)
	opts.Seed = 99

	a, err := Fit(context.Background(), ds, opts)
	require.NoError(t, err)
	b, err := Fit(context.Background(), ds, opts)
	require.NoError(t, err)
	assert.Equal(t, a.Parameters(), b.Parameters())
}

func TestExplicitInitialGuess(t *testing.T) {
	ds := lopsided()
	opts := DefaultFitOptions(OffensiveDefensive)
	opts.InitialGuess = []float64{0.1, 0, 0, 0, 0}
	_, err := Fit(context.Background(), ds, opts)
	require.NoError(t, err)

	opts.InitialGuess = []float64{0.1}
	_, err = Fit(context.Background(), ds, opts)
	assert.ErrorContains(t, err, "initial guess")

	opts = DefaultFitOptions(DixonColes)
	opts.InitialGuess = []float64{0.1, 1.5, 0, 0, 0, 0}
	_, err = Fit(context.Background(), ds, opts)
	assert.ErrorContains(t, err, "rho must lie in (-1, 1)")

	opts.InitialGuess[1] = -0.05
	_, err = Fit(context.Background(), ds, opts)
	require.NoError(t, err)
}

func TestPredictMatchIsIdempotent(t *testing.T) {
	m, err := Fit(context.Background(), simulate(leagueTruth(), 3, 5), DefaultFitOptions(DixonColes))
	require.NoError(t, err)

	first, err := m.PredictMatch("Ajax", "Fulham", 10)
	require.NoError(t, err)
	second, err := m.PredictMatch("Ajax", "Fulham", 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.InDelta(t, 1.0, first.Matrix.Sum(), 1e-6)
	assert.Len(t, first.TopScorelines, 10)
	for i := 1; i < len(first.TopScorelines); i++ {
		assert.GreaterOrEqual(t, first.TopScorelines[i-1].Probability, first.TopScorelines[i].Probability)
	}
	require.NoError(t, first.Markets.Validate())
}

func TestPredictMatchRejectsUnknownTeams(t *testing.T) {
	m, err := Fit(context.Background(), lopsided(), DefaultFitOptions(OffensiveDefensive))
	require.NoError(t, err)

	_, err = m.PredictMatch("A", "Z", 10)
	var ute *UnknownTeamError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, "Z", ute.Team)

	_, err = m.PredictMatch("A", "A", 10)
	require.Error(t, err)
	assert.False(t, errors.As(err, &ute))
}

func TestFitRejectsInsufficientData(t *testing.T) {
	single := dataset.New([]dataset.MatchRecord{{HomeTeam: "A", AwayTeam: "B", Date: kickoff}}, "C")
	for _, ds := range []*dataset.Dataset{dataset.New(nil), single} {
		_, err := Fit(context.Background(), ds, DefaultFitOptions(DixonColes))
		var ide *InsufficientDataError
		assert.True(t, errors.As(err, &ide), "got %v", err)
	}
}

func TestNonConvergenceIsAWarningUnlessStrict(t *testing.T) {
	ds := simulate(leagueTruth(), 2, 3)
	opts := DefaultFitOptions(DixonColes)
	opts.MaxIterations = 1

	m, err := Fit(context.Background(), ds, opts)
	require.NoError(t, err)
	assert.False(t, m.Converged())
	require.Len(t, m.Warnings(), 1)
	assert.ErrorIs(t, m.Warnings()[0], ErrOptimizerNonConvergence)
	assert.Contains(t, m.Warnings()[0].Error(), "gradient norm")

	_, err = m.PredictMatch("Ajax", "Benfica", 10)
	assert.NoError(t, err, "best iterate is still usable")

	opts.Strict = true
	_, err = Fit(context.Background(), ds, opts)
	assert.ErrorIs(t, err, ErrOptimizerNonConvergence)
}

func TestFitHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, lopsided(), DefaultFitOptions(OffensiveDefensive))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	ds := simulate(leagueTruth(), 1, 17)
	weights := DecayWeights(ds.Matches(), 0.5, ds.Newest())

	for _, v := range []Variant{OffensiveDefensive, DixonColes} {
		obj := newObjective(ds, v, weights)
		x := initialGuess(FitOptions{Seed: 3}, obj)

		analytic := make([]float64, obj.dim())
		obj.eval(x, analytic)
		numeric := fd.Gradient(nil, func(p []float64) float64 { return obj.eval(p, nil) }, x, &fd.Settings{Formula: fd.Central})

		for i := range analytic {
			assert.InDelta(t, numeric[i], analytic[i], 1e-4*math.Max(1, math.Abs(numeric[i])), "%s component %d", v, i)
		}
	}
}

func TestDecayWeightsFallWithAge(t *testing.T) {
	ms := []dataset.MatchRecord{
		{Date: kickoff.AddDate(-2, 0, 0)},
		{Date: kickoff.AddDate(-1, 0, 0)},
		{Date: kickoff.AddDate(0, -1, 0)},
		{Date: kickoff},
		{Date: kickoff.AddDate(0, 0, 3)},
		{},
	}
	w := DecayWeights(ms, 0.5, kickoff)
	assert.Less(t, w[0], w[1])
	assert.Less(t, w[1], w[2])
	assert.Less(t, w[2], w[3])
	assert.Equal(t, 1.0, w[3])
	assert.Equal(t, 1.0, w[4], "future matches are not up-weighted")
	assert.Equal(t, 1.0, w[5], "undated matches keep full weight")
	days := kickoff.Sub(ms[1].Date).Hours() / 24
	assert.InDelta(t, math.Exp(-0.5*days/365.25), w[1], 1e-12)

	for _, v := range DecayWeights(ms, 0, kickoff) {
		assert.Equal(t, 1.0, v)
	}
}

func TestDixonColesOnlyTouchesLowScores(t *testing.T) {
	params := ModelParameters{
		HomeAdvantage: 0.25,
		Rho:           -0.1,
		Ratings: map[dataset.TeamID]TeamRating{
			"A": {Attack: 0.2, Defense: 0.1},
			"B": {Attack: -0.2, Defense: -0.1},
		},
	}
	dc, err := NewModel(DixonColes, params)
	require.NoError(t, err)
	params.Rho = 0
	od, err := NewModel(OffensiveDefensive, params)
	require.NoError(t, err)

	pdc, err := dc.PredictMatch("A", "B", 10)
	require.NoError(t, err)
	pod, err := od.PredictMatch("A", "B", 10)
	require.NoError(t, err)

	lh, la, err := dc.ExpectedGoals("A", "B")
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(0.25+0.2+0.1), lh, 1e-12)
	assert.InDelta(t, math.Exp(-0.2-0.1), la, 1e-12)

	// tau = 1 cells keep their Poisson ratios
	assert.InDelta(t, pod.Matrix.At(2, 2)/pod.Matrix.At(3, 1), pdc.Matrix.At(2, 2)/pdc.Matrix.At(3, 1), 1e-9)
	// the 0-0 cell moves by tau(0,0) relative to an untouched cell
	want := Tau(0, 0, lh, la, -0.1) * pod.Matrix.At(0, 0) / pod.Matrix.At(2, 2)
	assert.InDelta(t, want, pdc.Matrix.At(0, 0)/pdc.Matrix.At(2, 2), 1e-9)
	// negative rho raises 0-0 and 1-1 and lowers 1-0 and 0-1
	assert.Greater(t, pdc.Matrix.At(0, 0)/pdc.Matrix.At(2, 2), pod.Matrix.At(0, 0)/pod.Matrix.At(2, 2))
	assert.Greater(t, pdc.Matrix.At(1, 1)/pdc.Matrix.At(2, 2), pod.Matrix.At(1, 1)/pod.Matrix.At(2, 2))
	assert.Less(t, pdc.Matrix.At(1, 0)/pdc.Matrix.At(2, 2), pod.Matrix.At(1, 0)/pod.Matrix.At(2, 2))
}

func TestTau(t *testing.T) {
	assert.InDelta(t, 1-1.5*1.2*0.1, Tau(0, 0, 1.5, 1.2, 0.1), 1e-12)
	assert.InDelta(t, 1+1.5*0.1, Tau(0, 1, 1.5, 1.2, 0.1), 1e-12)
	assert.InDelta(t, 1+1.2*0.1, Tau(1, 0, 1.5, 1.2, 0.1), 1e-12)
	assert.InDelta(t, 0.9, Tau(1, 1, 1.5, 1.2, 0.1), 1e-12)
	assert.Equal(t, 1.0, Tau(2, 1, 1.5, 1.2, 0.1))
}

func TestNewModelValidation(t *testing.T) {
	_, err := NewModel(OffensiveDefensive, ModelParameters{Ratings: map[dataset.TeamID]TeamRating{"A": {}}})
	var ide *InsufficientDataError
	assert.True(t, errors.As(err, &ide))

	_, err = NewModel(OffensiveDefensive, ModelParameters{Rho: 0.1, Ratings: map[dataset.TeamID]TeamRating{"A": {}, "B": {}}})
	assert.Error(t, err)

	_, err = NewModel(DixonColes, ModelParameters{Rho: 5.7e24, Ratings: map[dataset.TeamID]TeamRating{"A": {}, "B": {}}})
	assert.ErrorContains(t, err, "rho must lie in (-1, 1)")

	m, err := NewModel(OffensiveDefensive, ModelParameters{Ratings: map[dataset.TeamID]TeamRating{"A": {Attack: 1}, "B": {Attack: 3}}})
	require.NoError(t, err)
	r, err := m.Rating("A")
	require.NoError(t, err)
	assert.InDelta(t, -1, r.Attack, 1e-12)
	assert.Equal(t, []dataset.TeamID{"A", "B"}, m.Teams())
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("Dixon-Coles")
	require.NoError(t, err)
	assert.Equal(t, DixonColes, v)
	v, err = ParseVariant("offensive_defensive")
	require.NoError(t, err)
	assert.Equal(t, OffensiveDefensive, v)
	_, err = ParseVariant("elo")
	assert.Error(t, err)
}
