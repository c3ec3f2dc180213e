package markets

import (
	"fmt"
	"math"
)

// DecimalToProbability converts decimal odds into the implied probability.
// Odds of zero or less have no meaning and map to zero.
func DecimalToProbability(odds float64) float64 {
	if odds <= 0 || math.IsNaN(odds) {
		return 0
	}
	return 1 / odds
}

// ProbabilityToDecimal converts a probability into fair decimal odds.
// A zero probability maps to +Inf.
func ProbabilityToDecimal(p float64) float64 {
	if p <= 0 || math.IsNaN(p) {
		return math.Inf(1)
	}
	return 1 / p
}

// Overround returns the bookmaker margin of a 1X2 book, e.g. 0.05 for 105%
func Overround(home, draw, away float64) float64 {
	return DecimalToProbability(home) + DecimalToProbability(draw) + DecimalToProbability(away) - 1
}

// ImpliedProbabilities removes the overround from a 1X2 book by
// proportional normalisation
func ImpliedProbabilities(home, draw, away float64) (ph, pd, pa float64, err error) {
	if home <= 1 || draw <= 1 || away <= 1 {
		return 0, 0, 0, fmt.Errorf("odds must all be greater than 1, got %.2f/%.2f/%.2f", home, draw, away)
	}
	ph = 1 / home
	pd = 1 / draw
	pa = 1 / away
	total := ph + pd + pa
	return ph / total, pd / total, pa / total, nil
}
