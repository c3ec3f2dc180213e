package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/ensemble"
	"github.com/richard-senior/podds/pkg/markets"
	"github.com/richard-senior/podds/pkg/protocol"
	"github.com/richard-senior/podds/pkg/server"
	"github.com/richard-senior/podds/pkg/staking"
	"github.com/richard-senior/podds/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedModel predicts the same rates for any fixture between known teams
type fixedModel struct {
	ds *dataset.Dataset
}

func (f fixedModel) PredictMatch(home, away string, maxGoals int) (*markets.Prediction, error) {
	for _, team := range []string{home, away} {
		if !f.ds.HasTeam(dataset.TeamID(team)) {
			return nil, &dataset.UnknownTeamError{Team: team}
		}
	}
	m := markets.NewScoreMatrix(1.6, 0.9, maxGoals, nil)
	return markets.NewPrediction("fixed", home, away, 1.6, 0.9, m), nil
}

type betCounter struct{ n int }

func (b *betCounter) ObserveBet(staking.BetAnalysis) { b.n++ }

type registry struct{ names []string }

func (r *registry) RegisterTool(tool protocol.Tool, _ server.ToolHandler) {
	r.names = append(r.names, tool.Name)
}

func fixtures() *dataset.Dataset {
	day := time.Date(2024, 8, 10, 14, 0, 0, 0, time.UTC)
	return dataset.New([]dataset.MatchRecord{
		{HomeTeam: "Leeds", AwayTeam: "Hull", HomeGoals: 2, AwayGoals: 0, Date: day},
		{HomeTeam: "Hull", AwayTeam: "Stoke", HomeGoals: 1, AwayGoals: 1, Date: day.AddDate(0, 0, 7)},
		{HomeTeam: "Stoke", AwayTeam: "Leeds", HomeGoals: 0, AwayGoals: 3, Date: day.AddDate(0, 0, 14)},
	})
}

func newService(t *testing.T, fit bool, opts ...Option) *Service {
	t.Helper()
	w, err := ensemble.NewWeights(map[string]float64{"fixed": 1})
	require.NoError(t, err)
	ens, err := ensemble.New(w, []ensemble.Member{{
		Name: "fixed",
		Train: func(_ context.Context, ds *dataset.Dataset) (ensemble.Predictor, error) {
			return fixedModel{ds: ds}, nil
		},
	}})
	require.NoError(t, err)
	if fit {
		require.NoError(t, ens.Fit(context.Background(), fixtures()))
	}
	return NewService(ens, staking.DefaultPolicy(), 1000, opts...)
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestRegister(t *testing.T) {
	r := &registry{}
	newService(t, false).Register(r)
	assert.Equal(t, []string{PredictMatchName, AnalyzeBetName, ValueBetsName, TeamsName}, r.names)

	r = &registry{}
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer s.Close()
	newService(t, false, WithLedger(s)).Register(r)
	assert.Contains(t, r.names, BetLedgerName)
}

func TestPredictMatch(t *testing.T) {
	svc := newService(t, true)
	out, err := svc.HandlePredictMatch(context.Background(), raw(`{"home_team":" Leeds ","away_team":"Hull"}`))
	require.NoError(t, err)

	pred := out.(*ensemble.Prediction)
	assert.Equal(t, "Leeds", pred.HomeTeam)
	assert.Greater(t, pred.Markets.HomeWin, pred.Markets.AwayWin)
	assert.Len(t, pred.TopScorelines, markets.TopScorelineCount)
	assert.InDelta(t, 1.0, pred.Markets.HomeWin+pred.Markets.Draw+pred.Markets.AwayWin, 1e-9)
}

func TestPredictMatchErrors(t *testing.T) {
	ctx := context.Background()
	_, err := newService(t, false).HandlePredictMatch(ctx, raw(`{"home_team":"Leeds","away_team":"Hull"}`))
	assert.ErrorContains(t, err, "not fitted")

	svc := newService(t, true)
	_, err = svc.HandlePredictMatch(ctx, raw(`{"home_team":"Leeds","away_team":"Leeds"}`))
	assert.ErrorContains(t, err, "cannot play itself")
	_, err = svc.HandlePredictMatch(ctx, raw(`{"home_team":"Leeds"}`))
	assert.ErrorContains(t, err, "required")
	_, err = svc.HandlePredictMatch(ctx, raw(`{"home_team":"Leeds","away_team":"Wrexham"}`))
	assert.ErrorContains(t, err, "Wrexham")
	_, err = svc.HandlePredictMatch(ctx, raw(`[1,2]`))
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestAnalyzeBet(t *testing.T) {
	obs := &betCounter{}
	svc := newService(t, false, WithBetObserver(obs))
	ctx := context.Background()

	out, err := svc.HandleAnalyzeBet(ctx, raw(`{"probability":0.6,"odds":2.0}`))
	require.NoError(t, err)
	a := out.(staking.BetAnalysis)
	assert.True(t, a.IsValueBet)
	assert.InDelta(t, 50.0, a.StakeRecommended, 1e-9)
	assert.Equal(t, 1, obs.n)

	out, err = svc.HandleAnalyzeBet(ctx, raw(`{"probability":0.6,"odds":2.0,"bankroll":100}`))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, out.(staking.BetAnalysis).StakeRecommended, 1e-9)

	_, err = svc.HandleAnalyzeBet(ctx, raw(`{"probability":0.6}`))
	assert.ErrorContains(t, err, "required")
	_, err = svc.HandleAnalyzeBet(ctx, raw(`{"probability":1.5,"odds":2}`))
	assert.ErrorContains(t, err, "between 0 and 1")
	_, err = svc.HandleAnalyzeBet(ctx, raw(`{"probability":0.5,"odds":2,"bankroll":-1}`))
	assert.ErrorContains(t, err, "negative")
}

func TestValueBetsRecordsToLedger(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	obs := &betCounter{}
	svc := newService(t, true, WithLedger(s), WithBetObserver(obs))
	out, err := svc.HandleValueBets(ctx, raw(`{"home_team":"Leeds","away_team":"Hull","odds":{"home":3.0,"away":1.5}}`))
	require.NoError(t, err)

	res := out.(*ValueBetsResult)
	require.Len(t, res.Selections, 2)
	assert.Equal(t, "home", res.Selections[0].Selection, "best EV first")
	require.Len(t, res.ValueBets, 1)
	assert.Equal(t, "home", res.ValueBets[0].Selection)
	assert.True(t, res.ValueBets[0].Analysis.StakeLimited)
	assert.Len(t, res.Recorded, 1)
	assert.Equal(t, 2, obs.n)

	listed, err := svc.HandleBetLedger(ctx, raw(`{"value_only":true}`))
	require.NoError(t, err)
	bets := listed.([]*store.BetRow)
	require.Len(t, bets, 1)
	assert.Equal(t, res.Recorded[0], bets[0].ID)
	assert.Equal(t, "Leeds", bets[0].HomeTeam)
}

func TestValueBetsNeedsPrices(t *testing.T) {
	svc := newService(t, true)
	_, err := svc.HandleValueBets(context.Background(), raw(`{"home_team":"Leeds","away_team":"Hull","odds":{}}`))
	assert.ErrorContains(t, err, "no market was priced")
}

func TestTeams(t *testing.T) {
	ctx := context.Background()
	out, err := newService(t, false).HandleTeams(ctx, nil)
	require.NoError(t, err)
	assert.False(t, out.(*TeamsResult).Fitted)
	assert.Empty(t, out.(*TeamsResult).Teams)

	out, err = newService(t, true).HandleTeams(ctx, raw(`{"filter":"l"}`))
	require.NoError(t, err)
	res := out.(*TeamsResult)
	assert.True(t, res.Fitted)
	assert.Equal(t, 3, res.Matches)
	assert.Equal(t, "2024-08-10", res.Oldest)
	assert.Equal(t, []TeamSummary{{Name: "Hull", Matches: 2}, {Name: "Leeds", Matches: 2}}, res.Teams)
	assert.True(t, res.Models["fixed"].Available)
}
