package rating

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/markets"
)

// TeamRating holds log-scale strengths. Higher attack means more goals
// scored, higher defense means fewer conceded.
type TeamRating struct {
	Attack  float64 `json:"attack"`
	Defense float64 `json:"defense"`
}

// ModelParameters is a snapshot of a fitted model
type ModelParameters struct {
	Variant       string                        `json:"variant"`
	HomeAdvantage float64                       `json:"home_advantage"`
	Rho           float64                       `json:"rho"`
	Ratings       map[dataset.TeamID]TeamRating `json:"ratings"`
	LogLikelihood float64                       `json:"log_likelihood"`
	Iterations    int                           `json:"iterations"`
	Converged     bool                          `json:"converged"`
}

// Model is a fitted rating model. It is never mutated after construction
// and is safe for concurrent use.
type Model struct {
	variant       Variant
	homeAdvantage float64
	rho           float64
	ratings       map[dataset.TeamID]TeamRating
	teams         []dataset.TeamID
	logLikelihood float64
	iterations    int
	converged     bool
	matches       int
	warnings      []error
	fittedAt      time.Time
}

func newModel(v Variant, teams []dataset.TeamID, obj *objective, x []float64) *Model {
	ha, rho := obj.unpack(x)
	m := &Model{
		variant:       v,
		homeAdvantage: ha,
		rho:           rho,
		ratings:       make(map[dataset.TeamID]TeamRating, len(teams)),
		teams:         teams,
		fittedAt:      time.Now().UTC(),
	}
	for i, t := range teams {
		m.ratings[t] = TeamRating{Attack: obj.att[i], Defense: obj.def[i]}
	}
	return m
}

// NewModel rebuilds a model from stored parameters. Strengths are
// re-centred to mean zero.
func NewModel(v Variant, params ModelParameters) (*Model, error) {
	if len(params.Ratings) < 2 {
		return nil, &InsufficientDataError{Reason: fmt.Sprintf("need at least 2 rated teams, have %d", len(params.Ratings))}
	}
	if v == OffensiveDefensive && params.Rho != 0 {
		return nil, fmt.Errorf("%s model cannot carry rho %v", v, params.Rho)
	}
	if math.IsNaN(params.Rho) || math.Abs(params.Rho) >= 1 {
		return nil, fmt.Errorf("rho must lie in (-1, 1), got %v", params.Rho)
	}
	m := &Model{
		variant:       v,
		homeAdvantage: params.HomeAdvantage,
		rho:           params.Rho,
		ratings:       make(map[dataset.TeamID]TeamRating, len(params.Ratings)),
		logLikelihood: params.LogLikelihood,
		iterations:    params.Iterations,
		converged:     params.Converged,
		fittedAt:      time.Now().UTC(),
	}
	var meanAtt, meanDef float64
	for t, r := range params.Ratings {
		if math.IsNaN(r.Attack) || math.IsNaN(r.Defense) {
			return nil, fmt.Errorf("rating for %s is not a number", t)
		}
		m.teams = append(m.teams, t)
		meanAtt += r.Attack
		meanDef += r.Defense
	}
	n := float64(len(params.Ratings))
	meanAtt /= n
	meanDef /= n
	for t, r := range params.Ratings {
		m.ratings[t] = TeamRating{Attack: r.Attack - meanAtt, Defense: r.Defense - meanDef}
	}
	sort.Slice(m.teams, func(i, j int) bool { return m.teams[i] < m.teams[j] })
	return m, nil
}

// Variant returns the goal model used
func (m *Model) Variant() Variant {
	return m.variant
}

// Name is the ensemble member name of the model
func (m *Model) Name() string {
	return m.variant.String()
}

// Teams returns the fitted team set in sorted order
func (m *Model) Teams() []dataset.TeamID {
	out := make([]dataset.TeamID, len(m.teams))
	copy(out, m.teams)
	return out
}

// HasTeam reports whether team was part of the fit
func (m *Model) HasTeam(team string) bool {
	_, ok := m.ratings[dataset.TeamID(team)]
	return ok
}

// Rating returns one team's strengths
func (m *Model) Rating(team string) (TeamRating, error) {
	r, ok := m.ratings[dataset.TeamID(team)]
	if !ok {
		return TeamRating{}, &UnknownTeamError{Team: team}
	}
	return r, nil
}

// Parameters returns a copy of the fitted parameters
func (m *Model) Parameters() ModelParameters {
	p := ModelParameters{
		Variant:       m.variant.String(),
		HomeAdvantage: m.homeAdvantage,
		Rho:           m.rho,
		Ratings:       make(map[dataset.TeamID]TeamRating, len(m.ratings)),
		LogLikelihood: m.logLikelihood,
		Iterations:    m.iterations,
		Converged:     m.converged,
	}
	for t, r := range m.ratings {
		p.Ratings[t] = r
	}
	return p
}

// Warnings returns non-fatal problems raised during the fit
func (m *Model) Warnings() []error {
	out := make([]error, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// Converged reports whether the optimiser met its convergence criteria
func (m *Model) Converged() bool {
	return m.converged
}

// MatchCount is the number of matches the model was trained on
func (m *Model) MatchCount() int {
	return m.matches
}

// FittedAt is when the model was built
func (m *Model) FittedAt() time.Time {
	return m.fittedAt
}

// ExpectedGoals returns the Poisson rates for home against away
func (m *Model) ExpectedGoals(home, away string) (float64, float64, error) {
	h, a, err := m.pair(home, away)
	if err != nil {
		return 0, 0, err
	}
	lh := math.Exp(clampEta(m.homeAdvantage + h.Attack - a.Defense))
	la := math.Exp(clampEta(a.Attack - h.Defense))
	return lh, la, nil
}

func (m *Model) pair(home, away string) (TeamRating, TeamRating, error) {
	h, err := m.Rating(home)
	if err != nil {
		return TeamRating{}, TeamRating{}, err
	}
	a, err := m.Rating(away)
	if err != nil {
		return TeamRating{}, TeamRating{}, err
	}
	if home == away {
		return TeamRating{}, TeamRating{}, fmt.Errorf("%s cannot play itself", home)
	}
	return h, a, nil
}

// PredictMatch builds the score matrix for home against away and derives
// the markets from it. maxGoals <= 0 uses markets.DefaultMaxGoals.
func (m *Model) PredictMatch(home, away string, maxGoals int) (*markets.Prediction, error) {
	lh, la, err := m.ExpectedGoals(home, away)
	if err != nil {
		return nil, err
	}
	var adjust func(i, j int) float64
	if m.variant == DixonColes {
		rho := m.rho
		adjust = func(i, j int) float64 {
			return Tau(i, j, lh, la, rho)
		}
	}
	matrix := markets.NewScoreMatrix(lh, la, maxGoals, adjust)
	return markets.NewPrediction(m.Name(), home, away, lh, la, matrix), nil
}
