package rating

import (
	"errors"

	"github.com/richard-senior/podds/pkg/dataset"
)

// ErrOptimizerNonConvergence is wrapped by the warning a model carries when
// the optimiser stopped before converging. The model still holds the best
// iterate found.
var ErrOptimizerNonConvergence = errors.New("optimizer did not converge")

// ErrDegenerateFit is returned by Fit when the optimiser ends on parameters
// that do not describe a probability model, such as strengths running off to
// infinity on data a side never scored in.
var ErrDegenerateFit = errors.New("degenerate fit")

type (
	InsufficientDataError = dataset.InsufficientDataError
	UnknownTeamError      = dataset.UnknownTeamError
)
