// Package markets turns expected goals into a scoreline probability matrix
// and derives the betting markets (1X2, over/under, both teams to score) from it.
package markets

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultMaxGoals is the matrix truncation used when a caller passes <= 0
const DefaultMaxGoals = 10

// minLambda keeps the Poisson pmf finite for degenerate rates
const minLambda = 1e-10

// ScoreMatrix is a dense (maxGoals+1)x(maxGoals+1) grid where cell (i, j)
// is the probability that the home side scores i and the away side j.
// Cells are stored row-major (home goals major).
type ScoreMatrix struct {
	size  int
	cells []float64
}

// NewScoreMatrix builds the matrix from independent Poisson marginals.
// adjust, when non-nil, multiplies each cell (Dixon-Coles uses this for its
// low score correction). Negative products are floored at zero and the
// result is normalised to sum to one, which also absorbs the mass lost by
// truncating at maxGoals.
func NewScoreMatrix(lambdaHome, lambdaAway float64, maxGoals int, adjust func(i, j int) float64) *ScoreMatrix {
	if maxGoals <= 0 {
		maxGoals = DefaultMaxGoals
	}
	home := poissonPMF(lambdaHome, maxGoals)
	away := poissonPMF(lambdaAway, maxGoals)

	m := newEmpty(maxGoals + 1)
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			p := home[i] * away[j]
			if adjust != nil {
				p *= adjust(i, j)
			}
			if p < 0 || math.IsNaN(p) {
				p = 0
			}
			m.cells[i*m.size+j] = p
		}
	}
	m.Normalize()
	return m
}

// FromRows copies a square grid into a ScoreMatrix without normalising it
func FromRows(rows [][]float64) (*ScoreMatrix, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("score matrix must have at least one row")
	}
	m := newEmpty(n)
	for i, r := range rows {
		if len(r) != n {
			return nil, fmt.Errorf("score matrix row %d has %d columns, want %d", i, len(r), n)
		}
		for j, v := range r {
			if v < 0 || math.IsNaN(v) {
				return nil, fmt.Errorf("score matrix cell (%d,%d) is %v", i, j, v)
			}
			m.cells[i*n+j] = v
		}
	}
	return m, nil
}

func newEmpty(size int) *ScoreMatrix {
	return &ScoreMatrix{size: size, cells: make([]float64, size*size)}
}

func poissonPMF(lambda float64, maxGoals int) []float64 {
	if lambda < minLambda || math.IsNaN(lambda) {
		lambda = minLambda
	}
	dist := distuv.Poisson{Lambda: lambda}
	out := make([]float64, maxGoals+1)
	for k := range out {
		out[k] = dist.Prob(float64(k))
	}
	return out
}

// MaxGoals returns the highest goal count represented on either axis
func (m *ScoreMatrix) MaxGoals() int {
	return m.size - 1
}

// Size returns the number of rows (and columns)
func (m *ScoreMatrix) Size() int {
	return m.size
}

// At returns P(home = i, away = j), zero outside the grid
func (m *ScoreMatrix) At(i, j int) float64 {
	if i < 0 || j < 0 || i >= m.size || j >= m.size {
		return 0
	}
	return m.cells[i*m.size+j]
}

// CorrectScore is At under its market name
func (m *ScoreMatrix) CorrectScore(home, away int) float64 {
	return m.At(home, away)
}

// Sum returns the total mass of the matrix
func (m *ScoreMatrix) Sum() float64 {
	return floats.Sum(m.cells)
}

// Normalize rescales the matrix to sum to one. A matrix with no mass is
// replaced by the uniform distribution.
func (m *ScoreMatrix) Normalize() {
	total := m.Sum()
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		u := 1 / float64(len(m.cells))
		for k := range m.cells {
			m.cells[k] = u
		}
		return
	}
	floats.Scale(1/total, m.cells)
}

// Rows returns a copy of the grid as nested slices
func (m *ScoreMatrix) Rows() [][]float64 {
	out := make([][]float64, m.size)
	for i := range out {
		out[i] = make([]float64, m.size)
		copy(out[i], m.cells[i*m.size:(i+1)*m.size])
	}
	return out
}

// Clone returns a deep copy
func (m *ScoreMatrix) Clone() *ScoreMatrix {
	c := newEmpty(m.size)
	copy(c.cells, m.cells)
	return c
}

// Outcomes returns home win (lower triangle), draw (diagonal) and away win
// (upper triangle) mass
func (m *ScoreMatrix) Outcomes() (homeWin, draw, awayWin float64) {
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			p := m.cells[i*m.size+j]
			switch {
			case i > j:
				homeWin += p
			case i == j:
				draw += p
			default:
				awayWin += p
			}
		}
	}
	return homeWin, draw, awayWin
}

// OverUnder returns the probability that total goals exceed line and the
// complement. line is expected to be a half goal (0.5, 1.5, 2.5...).
func (m *ScoreMatrix) OverUnder(line float64) (over, under float64) {
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			if float64(i+j) < line {
				under += m.cells[i*m.size+j]
			}
		}
	}
	under = clamp01(under)
	return 1 - under, under
}

// BothTeamsToScore returns the mass where each side scores at least once
func (m *ScoreMatrix) BothTeamsToScore() float64 {
	var yes float64
	for i := 1; i < m.size; i++ {
		for j := 1; j < m.size; j++ {
			yes += m.cells[i*m.size+j]
		}
	}
	return clamp01(yes)
}

// Derive computes the standard market set from the matrix
func (m *ScoreMatrix) Derive() MarketProbabilities {
	h, d, a := m.Outcomes()
	over, under := m.OverUnder(2.5)
	btts := m.BothTeamsToScore()
	return MarketProbabilities{
		HomeWin: h,
		Draw:    d,
		AwayWin: a,
		Over25:  over,
		Under25: under,
		BTTSYes: btts,
		BTTSNo:  1 - btts,
	}
}

// ExpectedGoals returns the mean home and away goals under the matrix
func (m *ScoreMatrix) ExpectedGoals() (home, away float64) {
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			p := m.cells[i*m.size+j]
			home += float64(i) * p
			away += float64(j) * p
		}
	}
	return home, away
}

// MostLikelyGoals returns the modal goal count of each marginal
func (m *ScoreMatrix) MostLikelyGoals() (home, away int) {
	bestHome, bestAway := -1.0, -1.0
	for k := 0; k < m.size; k++ {
		var ph, pa float64
		for o := 0; o < m.size; o++ {
			ph += m.cells[k*m.size+o]
			pa += m.cells[o*m.size+k]
		}
		if ph > bestHome {
			bestHome, home = ph, k
		}
		if pa > bestAway {
			bestAway, away = pa, k
		}
	}
	return home, away
}

// TopScorelines returns the n most likely scorelines, most likely first.
// Equal probabilities keep home-major iteration order (0-0, 0-1, ... 1-0 ...).
func (m *ScoreMatrix) TopScorelines(n int) []Scoreline {
	all := make([]Scoreline, 0, len(m.cells))
	for i := 0; i < m.size; i++ {
		for j := 0; j < m.size; j++ {
			all = append(all, Scoreline{HomeGoals: i, AwayGoals: j, Probability: m.cells[i*m.size+j]})
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].Probability > all[b].Probability })
	if n < 0 {
		n = 0
	}
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Blend returns the weighted elementwise sum of matrices, renormalised.
// Weights are rescaled to sum to one among the supplied matrices. Matrices
// of different sizes are cropped to the smallest common size first.
func Blend(matrices []*ScoreMatrix, weights []float64) (*ScoreMatrix, error) {
	if len(matrices) == 0 {
		return nil, fmt.Errorf("no matrices to blend")
	}
	if len(matrices) != len(weights) {
		return nil, fmt.Errorf("got %d matrices but %d weights", len(matrices), len(weights))
	}
	size := math.MaxInt
	var total float64
	for k, mx := range matrices {
		if mx == nil {
			return nil, fmt.Errorf("matrix %d is nil", k)
		}
		if weights[k] < 0 || math.IsNaN(weights[k]) {
			return nil, fmt.Errorf("weight %d is %v", k, weights[k])
		}
		total += weights[k]
		if mx.size < size {
			size = mx.size
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("blend weights sum to zero")
	}

	out := newEmpty(size)
	for k, mx := range matrices {
		w := weights[k] / total
		for i := 0; i < size; i++ {
			floats.AddScaled(out.cells[i*size:(i+1)*size], w, mx.cells[i*mx.size:i*mx.size+size])
		}
	}
	out.Normalize()
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
