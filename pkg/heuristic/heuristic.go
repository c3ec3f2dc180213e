// Package heuristic is a simple scored checklist over recent results. It is
// a coarse ensemble input: a categorical call plus a confidence, turned into
// a probability triple by ToProbabilities.
package heuristic

import (
	"fmt"
	"math"

	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/markets"
)

// ModelName is the ensemble member name of the scorer
const ModelName = "heuristics"

type Outcome string

const (
	Home Outcome = "home"
	Draw Outcome = "draw"
	Away Outcome = "away"
)

// Result is the scorer's call for one fixture
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Confidence is a percentage, 0 to 100
	Confidence float64 `json:"confidence"`
	// Score is the signed checklist total, positive favours the home side
	Score float64 `json:"score"`
}

// Scorer is anything that can make a categorical call on a fixture
type Scorer interface {
	Score(home, away string) (Result, error)
}

// Config tunes the checklist
type Config struct {
	FormMatches int     `yaml:"form_matches"`
	MaxShare    float64 `yaml:"max_share"`
	DrawBand    float64 `yaml:"draw_band"`

	FormWeight       float64 `yaml:"form_weight"`
	GoalDiffWeight   float64 `yaml:"goal_diff_weight"`
	VenueWeight      float64 `yaml:"venue_weight"`
	HeadToHeadWeight float64 `yaml:"head_to_head_weight"`
}

// DefaultConfig returns the stock checklist settings
func DefaultConfig() Config {
	return Config{
		FormMatches:      5,
		MaxShare:         0.6,
		DrawBand:         0.1,
		FormWeight:       0.35,
		GoalDiffWeight:   0.25,
		VenueWeight:      0.25,
		HeadToHeadWeight: 0.15,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.FormMatches <= 0 {
		return fmt.Errorf("form_matches must be positive, got %d", c.FormMatches)
	}
	if c.MaxShare < 0 || c.MaxShare > 1 {
		return fmt.Errorf("max_share must be between 0 and 1, got %v", c.MaxShare)
	}
	if c.DrawBand < 0 || c.DrawBand >= 1 {
		return fmt.Errorf("draw_band must be in [0, 1), got %v", c.DrawBand)
	}
	total := c.FormWeight + c.GoalDiffWeight + c.VenueWeight + c.HeadToHeadWeight
	if c.FormWeight < 0 || c.GoalDiffWeight < 0 || c.VenueWeight < 0 || c.HeadToHeadWeight < 0 || total <= 0 {
		return fmt.Errorf("checklist weights must be non-negative with a positive total")
	}
	return nil
}

// Checklist scores fixtures from a dataset's recent results
type Checklist struct {
	ds     *dataset.Dataset
	cfg    Config
	over25 float64
	btts   float64
}

// New builds a checklist over ds
func New(ds *dataset.Dataset, cfg Config) (*Checklist, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ds == nil || ds.Len() == 0 {
		return nil, &dataset.InsufficientDataError{Reason: "heuristic scorer needs at least one match"}
	}
	over, btts := ds.BaseRates()
	return &Checklist{ds: ds, cfg: cfg, over25: over, btts: btts}, nil
}

// Name is the ensemble member name
func (c *Checklist) Name() string {
	return ModelName
}

// BaseRates returns the dataset's over 2.5 and both-teams-to-score shares
func (c *Checklist) BaseRates() (float64, float64) {
	return c.over25, c.btts
}

// Score runs the checklist for home against away
func (c *Checklist) Score(home, away string) (Result, error) {
	h, a := dataset.TeamID(home), dataset.TeamID(away)
	for _, t := range []dataset.TeamID{h, a} {
		if !c.ds.HasTeam(t) {
			return Result{}, &dataset.UnknownTeamError{Team: string(t)}
		}
	}
	if h == a {
		return Result{}, fmt.Errorf("%s cannot play itself", home)
	}

	n := c.cfg.FormMatches
	homeRecent := last(c.ds.TeamMatches(h), n)
	awayRecent := last(c.ds.TeamMatches(a), n)

	form := (pointsPerGame(homeRecent, h) - pointsPerGame(awayRecent, a)) / 3
	goalDiff := clampUnit((goalDiffPerGame(homeRecent, h) - goalDiffPerGame(awayRecent, a)) / 3)
	venue := (pointsPerGame(last(atVenue(c.ds.TeamMatches(h), h, true), n), h) -
		pointsPerGame(last(atVenue(c.ds.TeamMatches(a), a, false), n), a)) / 3

	var h2h float64
	if meetings := last(c.ds.HeadToHead(h, a), n); len(meetings) > 0 {
		h2h = (pointsPerGame(meetings, h) - pointsPerGame(meetings, a)) / 3
	}

	cfg := c.cfg
	total := cfg.FormWeight + cfg.GoalDiffWeight + cfg.VenueWeight + cfg.HeadToHeadWeight
	score := (cfg.FormWeight*form + cfg.GoalDiffWeight*goalDiff + cfg.VenueWeight*venue + cfg.HeadToHeadWeight*h2h) / total

	return classify(score, cfg.DrawBand), nil
}

// classify turns a score in [-1, 1] into a call. Inside the draw band the
// confidence in a draw peaks at a score of zero.
func classify(score, band float64) Result {
	abs := math.Abs(score)
	switch {
	case abs < band:
		return Result{Outcome: Draw, Confidence: 100 * (1 - abs/band) * 0.5, Score: score}
	case score > 0:
		return Result{Outcome: Home, Confidence: math.Min(100, 100*abs), Score: score}
	default:
		return Result{Outcome: Away, Confidence: math.Min(100, 100*abs), Score: score}
	}
}

// PredictMatch scores the fixture and converts it to market probabilities.
// The checklist produces no score matrix; maxGoals is ignored.
func (c *Checklist) PredictMatch(home, away string, _ int) (*markets.Prediction, error) {
	r, err := c.Score(home, away)
	if err != nil {
		return nil, err
	}
	return &markets.Prediction{
		Model:    ModelName,
		HomeTeam: home,
		AwayTeam: away,
		Markets:  ToProbabilities(r, c.cfg.MaxShare, c.over25, c.btts),
	}, nil
}

// ToProbabilities maps a call to a 1X2 triple. The called outcome gets
// 1/3 + (confidence/100) * (2/3) * maxShare and the other two split the
// rest evenly. Over 2.5 and BTTS come straight from the supplied base rates.
func ToProbabilities(r Result, maxShare, over25, btts float64) markets.MarketProbabilities {
	c := math.Max(0, math.Min(100, r.Confidence)) / 100
	k := math.Max(0, math.Min(1, maxShare))
	top := 1.0/3 + c*(2.0/3)*k
	rest := (1 - top) / 2

	p := markets.MarketProbabilities{HomeWin: rest, Draw: rest, AwayWin: rest}
	switch r.Outcome {
	case Home:
		p.HomeWin = top
	case Away:
		p.AwayWin = top
	default:
		p.Draw = top
	}
	over25 = math.Max(0, math.Min(1, over25))
	btts = math.Max(0, math.Min(1, btts))
	p.Over25, p.Under25 = over25, 1-over25
	p.BTTSYes, p.BTTSNo = btts, 1-btts
	return p
}

func last(ms []dataset.MatchRecord, n int) []dataset.MatchRecord {
	if len(ms) > n {
		return ms[:n]
	}
	return ms
}

func atVenue(ms []dataset.MatchRecord, team dataset.TeamID, home bool) []dataset.MatchRecord {
	var out []dataset.MatchRecord
	for _, m := range ms {
		if (dataset.TeamID(m.HomeTeam) == team) == home {
			out = append(out, m)
		}
	}
	return out
}

func points(m dataset.MatchRecord, team dataset.TeamID) int {
	gf, ga := m.HomeGoals, m.AwayGoals
	if dataset.TeamID(m.AwayTeam) == team {
		gf, ga = ga, gf
	}
	switch {
	case gf > ga:
		return 3
	case gf == ga:
		return 1
	}
	return 0
}

func pointsPerGame(ms []dataset.MatchRecord, team dataset.TeamID) float64 {
	if len(ms) == 0 {
		return 0
	}
	total := 0
	for _, m := range ms {
		total += points(m, team)
	}
	return float64(total) / float64(len(ms))
}

func goalDiffPerGame(ms []dataset.MatchRecord, team dataset.TeamID) float64 {
	if len(ms) == 0 {
		return 0
	}
	total := 0
	for _, m := range ms {
		if dataset.TeamID(m.HomeTeam) == team {
			total += m.HomeGoals - m.AwayGoals
		} else {
			total += m.AwayGoals - m.HomeGoals
		}
	}
	return float64(total) / float64(len(ms))
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
