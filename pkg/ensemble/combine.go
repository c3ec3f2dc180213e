// Package ensemble blends the market probabilities and score matrices of
// several independently fitted models, tolerating the loss of any subset
// of them short of all.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/richard-senior/podds/pkg/markets"
)

// Member names used by the default ensemble
const (
	DixonColes         = "dixon_coles"
	OffensiveDefensive = "offensive_defensive"
	Heuristics         = "heuristics"
)

// ErrNoModelsAvailable is returned when no member produced a usable output
var ErrNoModelsAvailable = errors.New("no models available")

// Weights maps member names to blend weights that sum to one
type Weights map[string]float64

// DefaultWeights returns the stock 0.55 / 0.30 / 0.15 split
func DefaultWeights() Weights {
	return Weights{
		DixonColes:         0.55,
		OffensiveDefensive: 0.30,
		Heuristics:         0.15,
	}
}

// NewWeights normalises arbitrary positive weights to sum to one
func NewWeights(raw map[string]float64) (Weights, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one weight is required")
	}
	var total float64
	for name, w := range raw {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("weight for %s must be positive, got %v", name, w)
		}
		total += w
	}
	out := make(Weights, len(raw))
	for name, w := range raw {
		out[name] = w / total
	}
	return out, nil
}

// Names returns the weighted member names in sorted order
func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for n := range w {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// field reads one probability from a market set
type field func(*markets.MarketProbabilities) float64

// Combine blends the members' markets. For each field only the members
// that supplied a value take part, with their weights rescaled to sum to
// one; values are clamped to [0, 1] first. The 1X2 triple is renormalised
// afterwards, falling back to 1/3 each when nothing contributed. Under 2.5
// and BTTS no are always the complements.
func Combine(preds map[string]*markets.MarketProbabilities, weights Weights) (*markets.MarketProbabilities, error) {
	var names []string
	for _, name := range weights.Names() {
		if p, ok := preds[name]; ok && p != nil && weights[name] > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, ErrNoModelsAvailable
	}

	blend := func(get field, fallback float64) float64 {
		var sum, wsum float64
		for _, name := range names {
			v := get(preds[name])
			if math.IsNaN(v) {
				continue
			}
			w := weights[name]
			sum += w * clamp01(v)
			wsum += w
		}
		if wsum == 0 {
			return fallback
		}
		return sum / wsum
	}

	out := &markets.MarketProbabilities{
		HomeWin: blend(func(p *markets.MarketProbabilities) float64 { return p.HomeWin }, 0),
		Draw:    blend(func(p *markets.MarketProbabilities) float64 { return p.Draw }, 0),
		AwayWin: blend(func(p *markets.MarketProbabilities) float64 { return p.AwayWin }, 0),
		Over25:  blend(func(p *markets.MarketProbabilities) float64 { return p.Over25 }, 0.5),
		BTTSYes: blend(func(p *markets.MarketProbabilities) float64 { return p.BTTSYes }, 0.5),
	}

	if total := out.HomeWin + out.Draw + out.AwayWin; total > 0 {
		out.HomeWin /= total
		out.Draw /= total
		out.AwayWin /= total
	} else {
		out.HomeWin, out.Draw, out.AwayWin = 1.0/3, 1.0/3, 1.0/3
	}
	out.Under25 = 1 - out.Over25
	out.BTTSNo = 1 - out.BTTSYes
	return out, nil
}

// CombineMatrices blends the score matrices of the members that produce
// one, using only those members' weights rescaled among themselves
func CombineMatrices(matrices map[string]*markets.ScoreMatrix, weights Weights) (*markets.ScoreMatrix, error) {
	var ms []*markets.ScoreMatrix
	var ws []float64
	for _, name := range weights.Names() {
		if m, ok := matrices[name]; ok && m != nil && weights[name] > 0 {
			ms = append(ms, m)
			ws = append(ws, weights[name])
		}
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("no score matrices to blend: %w", ErrNoModelsAvailable)
	}
	return markets.Blend(ms, ws)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
