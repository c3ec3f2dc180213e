// Package tools exposes the prediction and staking engine as MCP tools
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/ensemble"
	"github.com/richard-senior/podds/pkg/protocol"
	"github.com/richard-senior/podds/pkg/server"
	"github.com/richard-senior/podds/pkg/staking"
	"github.com/richard-senior/podds/pkg/store"
)

// Tool names
const (
	PredictMatchName = "podds_predict_match"
	AnalyzeBetName   = "podds_analyze_bet"
	ValueBetsName    = "podds_value_bets"
	TeamsName        = "podds_teams"
	BetLedgerName    = "podds_bet_ledger"
)

// Registrar is satisfied by *server.Server
type Registrar interface {
	RegisterTool(tool protocol.Tool, handler server.ToolHandler)
}

// Ledger records analysed bets. *store.Store satisfies it.
type Ledger interface {
	RecordBet(ctx context.Context, b *store.BetRow) (string, error)
	Bets(ctx context.Context, valueOnly bool) ([]*store.BetRow, error)
}

// BetObserver is told about every sized bet
type BetObserver interface {
	ObserveBet(a staking.BetAnalysis)
}

// Service backs the podds tools with a fitted ensemble
type Service struct {
	ens      *ensemble.Ensemble
	policy   staking.Policy
	bankroll float64
	ledger   Ledger
	observer BetObserver
}

type Option func(*Service)

// WithLedger records value bets found by podds_value_bets
func WithLedger(l Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithBetObserver reports every sized selection to o
func WithBetObserver(o BetObserver) Option {
	return func(s *Service) { s.observer = o }
}

func NewService(ens *ensemble.Ensemble, policy staking.Policy, bankroll float64, opts ...Option) *Service {
	s := &Service{ens: ens, policy: policy, bankroll: bankroll}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds every podds tool to r
func (s *Service) Register(r Registrar) {
	r.RegisterTool(PredictMatchTool(), s.HandlePredictMatch)
	r.RegisterTool(AnalyzeBetTool(), s.HandleAnalyzeBet)
	r.RegisterTool(ValueBetsTool(), s.HandleValueBets)
	r.RegisterTool(TeamsTool(), s.HandleTeams)
	if s.ledger != nil {
		r.RegisterTool(BetLedgerTool(), s.HandleBetLedger)
	}
}

func zero() *float64 {
	v := 0.0
	return &v
}

var fixtureProperties = map[string]protocol.ToolProperty{
	"home_team": {
		Type:        "string",
		Description: "Home team name exactly as it appears in the results data, e.g. 'Leeds' or 'Man United'",
	},
	"away_team": {
		Type:        "string",
		Description: "Away team name exactly as it appears in the results data",
	},
}

func withFixture(extra map[string]protocol.ToolProperty) map[string]protocol.ToolProperty {
	out := make(map[string]protocol.ToolProperty, len(fixtureProperties)+len(extra))
	for k, v := range fixtureProperties {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// PredictMatchTool returns the prediction tool definition
func PredictMatchTool() protocol.Tool {
	return protocol.Tool{
		Name: PredictMatchName,
		Description: `Predicts a fixture by blending the Dixon-Coles, Offensive-Defensive and heuristic models.
		Returns 1X2, over/under 2.5 and both-teams-to-score probabilities, expected goals,
		the ten most likely scorelines and the view of each individual model.`,
		InputSchema: protocol.InputSchema{
			Type:       "object",
			Properties: withFixture(nil),
			Required:   []string{"home_team", "away_team"},
		},
	}
}

// AnalyzeBetTool returns the single bet sizing tool definition
func AnalyzeBetTool() protocol.Tool {
	return protocol.Tool{
		Name: AnalyzeBetName,
		Description: `Sizes a single bet from a win probability and decimal odds using fractional Kelly.
		Returns the edge, expected value, Kelly fractions, the capped stake and whether it is a value bet.`,
		InputSchema: protocol.InputSchema{
			Type: "object",
			Properties: map[string]protocol.ToolProperty{
				"probability": {Type: "number", Description: "Estimated probability of the selection winning, 0 to 1", Minimum: zero()},
				"odds":        {Type: "number", Description: "Decimal odds on offer, e.g. 2.5", Minimum: zero()},
				"bankroll":    {Type: "number", Description: "Bankroll to size against. Defaults to the configured bankroll.", Minimum: zero()},
			},
			Required: []string{"probability", "odds"},
		},
	}
}

// ValueBetsTool returns the fixture value scan tool definition
func ValueBetsTool() protocol.Tool {
	return protocol.Tool{
		Name: ValueBetsName,
		Description: `Predicts a fixture and compares every priced market against the bookmaker odds supplied.
		Returns each selection's analysis, best expected value first, and the subset that are value bets.`,
		InputSchema: protocol.InputSchema{
			Type: "object",
			Properties: withFixture(map[string]protocol.ToolProperty{
				"odds": {
					Type:        "object",
					Description: "Decimal odds per selection. Omit any market that is not priced.",
					Properties: map[string]protocol.ToolProperty{
						"home":      {Type: "number"},
						"draw":      {Type: "number"},
						"away":      {Type: "number"},
						"over_2_5":  {Type: "number"},
						"under_2_5": {Type: "number"},
						"btts_yes":  {Type: "number"},
						"btts_no":   {Type: "number"},
					},
				},
				"bankroll": {Type: "number", Description: "Bankroll to size against. Defaults to the configured bankroll.", Minimum: zero()},
			}),
			Required: []string{"home_team", "away_team", "odds"},
		},
	}
}

// TeamsTool returns the model status tool definition
func TeamsTool() protocol.Tool {
	return protocol.Tool{
		Name:        TeamsName,
		Description: "Lists the teams the models were fitted on, with match counts, and reports the status of each model",
		InputSchema: protocol.InputSchema{
			Type: "object",
			Properties: map[string]protocol.ToolProperty{
				"filter": {Type: "string", Description: "Only list teams whose name contains this text (case insensitive)"},
			},
			Required: []string{},
		},
	}
}

// BetLedgerTool returns the ledger listing tool definition
func BetLedgerTool() protocol.Tool {
	return protocol.Tool{
		Name:        BetLedgerName,
		Description: "Lists previously analysed bets, newest first",
		InputSchema: protocol.InputSchema{
			Type: "object",
			Properties: map[string]protocol.ToolProperty{
				"value_only": {Type: "boolean", Description: "Only return value bets"},
				"limit":      {Type: "number", Description: "Maximum number of bets to return", Minimum: zero()},
			},
			Required: []string{},
		},
	}
}

// decode unmarshals tool arguments, treating absent arguments as {}
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type fixtureArgs struct {
	HomeTeam string `json:"home_team"`
	AwayTeam string `json:"away_team"`
}

func (f *fixtureArgs) validate() error {
	f.HomeTeam = strings.TrimSpace(f.HomeTeam)
	f.AwayTeam = strings.TrimSpace(f.AwayTeam)
	if f.HomeTeam == "" || f.AwayTeam == "" {
		return fmt.Errorf("home_team and away_team are required")
	}
	if f.HomeTeam == f.AwayTeam {
		return fmt.Errorf("a team cannot play itself: %s", f.HomeTeam)
	}
	return nil
}

func (s *Service) bankrollOr(v *float64) (float64, error) {
	if v == nil {
		return s.bankroll, nil
	}
	if *v < 0 {
		return 0, fmt.Errorf("bankroll must not be negative")
	}
	return *v, nil
}

func (s *Service) predict(home, away string) (*ensemble.Prediction, error) {
	if !s.ens.Fitted() {
		return nil, fmt.Errorf("models are not fitted yet; load match data first")
	}
	return s.ens.Predict(home, away)
}

// HandlePredictMatch predicts a single fixture
func (s *Service) HandlePredictMatch(_ context.Context, args json.RawMessage) (any, error) {
	var in fixtureArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	logger.Info("Predicting", in.HomeTeam, "v", in.AwayTeam)
	return s.predict(in.HomeTeam, in.AwayTeam)
}

type analyzeBetArgs struct {
	Probability *float64 `json:"probability"`
	Odds        *float64 `json:"odds"`
	Bankroll    *float64 `json:"bankroll"`
}

// HandleAnalyzeBet sizes one bet
func (s *Service) HandleAnalyzeBet(_ context.Context, args json.RawMessage) (any, error) {
	var in analyzeBetArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Probability == nil || in.Odds == nil {
		return nil, fmt.Errorf("probability and odds are required")
	}
	if *in.Probability < 0 || *in.Probability > 1 {
		return nil, fmt.Errorf("probability must be between 0 and 1, got %v", *in.Probability)
	}
	bankroll, err := s.bankrollOr(in.Bankroll)
	if err != nil {
		return nil, err
	}
	a := staking.AnalyzeBet(*in.Probability, *in.Odds, bankroll, s.policy)
	if s.observer != nil {
		s.observer.ObserveBet(a)
	}
	return a, nil
}

type valueBetsArgs struct {
	fixtureArgs
	Odds     staking.MarketOdds `json:"odds"`
	Bankroll *float64           `json:"bankroll"`
}

// ValueBetsResult is the podds_value_bets answer
type ValueBetsResult struct {
	HomeTeam   string               `json:"home_team"`
	AwayTeam   string               `json:"away_team"`
	Bankroll   float64              `json:"bankroll"`
	Prediction *ensemble.Prediction `json:"prediction"`
	Selections []staking.Selection  `json:"selections"`
	ValueBets  []staking.Selection  `json:"value_bets"`
	Recorded   []string             `json:"recorded,omitempty"`
}

// HandleValueBets predicts a fixture and sizes every priced selection.
// Value bets are written to the ledger when one is configured.
func (s *Service) HandleValueBets(ctx context.Context, args json.RawMessage) (any, error) {
	var in valueBetsArgs
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	bankroll, err := s.bankrollOr(in.Bankroll)
	if err != nil {
		return nil, err
	}

	pred, err := s.predict(in.HomeTeam, in.AwayTeam)
	if err != nil {
		return nil, err
	}
	sel := staking.AnalyzeMarkets(pred.Markets, in.Odds, bankroll, s.policy)
	if len(sel) == 0 {
		return nil, fmt.Errorf("no market was priced; supply at least one of home, draw, away, over_2_5, under_2_5, btts_yes, btts_no")
	}

	out := &ValueBetsResult{
		HomeTeam:   in.HomeTeam,
		AwayTeam:   in.AwayTeam,
		Bankroll:   bankroll,
		Prediction: pred,
		Selections: sel,
		ValueBets:  staking.ValueBets(sel),
	}
	if out.ValueBets == nil {
		out.ValueBets = []staking.Selection{}
	}
	if s.observer != nil {
		for _, x := range sel {
			s.observer.ObserveBet(x.Analysis)
		}
	}
	if s.ledger != nil {
		for _, vb := range out.ValueBets {
			id, err := s.ledger.RecordBet(ctx, store.NewBetRow(in.HomeTeam, in.AwayTeam, vb))
			if err != nil {
				logger.Warn("Failed to record value bet:", err)
				continue
			}
			out.Recorded = append(out.Recorded, id)
		}
	}
	logger.Info(fmt.Sprintf("%s v %s: %d selections, %d value bets", in.HomeTeam, in.AwayTeam, len(sel), len(out.ValueBets)))
	return out, nil
}

// TeamSummary is one row of the podds_teams answer
type TeamSummary struct {
	Name    string `json:"name"`
	Matches int    `json:"matches"`
}

// TeamsResult is the podds_teams answer
type TeamsResult struct {
	Fitted  bool                             `json:"fitted"`
	Matches int                              `json:"matches"`
	Oldest  string                           `json:"oldest,omitempty"`
	Newest  string                           `json:"newest,omitempty"`
	Weights ensemble.Weights                 `json:"weights"`
	Models  map[string]ensemble.MemberStatus `json:"models"`
	Teams   []TeamSummary                    `json:"teams"`
}

// HandleTeams reports the fitted team set and model status
func (s *Service) HandleTeams(_ context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Filter string `json:"filter"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	out := &TeamsResult{
		Fitted:  s.ens.Fitted(),
		Weights: s.ens.Weights(),
		Models:  s.ens.Members(),
		Teams:   []TeamSummary{},
	}
	ds := s.ens.Dataset()
	if ds == nil {
		return out, nil
	}
	out.Matches = ds.Len()
	if !ds.Oldest().IsZero() {
		out.Oldest = ds.Oldest().Format(time.DateOnly)
		out.Newest = ds.Newest().Format(time.DateOnly)
	}
	filter := strings.ToLower(strings.TrimSpace(in.Filter))
	for _, t := range ds.Teams() {
		if filter != "" && !strings.Contains(strings.ToLower(t.String()), filter) {
			continue
		}
		out.Teams = append(out.Teams, TeamSummary{Name: t.String(), Matches: ds.MatchCount(t)})
	}
	return out, nil
}

// HandleBetLedger lists recorded bets
func (s *Service) HandleBetLedger(ctx context.Context, args json.RawMessage) (any, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("no bet ledger is configured")
	}
	var in struct {
		ValueOnly bool `json:"value_only"`
		Limit     int  `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	bets, err := s.ledger.Bets(ctx, in.ValueOnly)
	if err != nil {
		return nil, err
	}
	if in.Limit > 0 && len(bets) > in.Limit {
		bets = bets[:in.Limit]
	}
	if bets == nil {
		bets = []*store.BetRow{}
	}
	return bets, nil
}
