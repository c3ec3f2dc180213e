package rating

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Variant selects the goal model
type Variant int

const (
	// OffensiveDefensive treats home and away goals as independent Poisson counts
	OffensiveDefensive Variant = iota
	// DixonColes adds the rho correction on the 0-0, 1-0, 0-1 and 1-1 cells
	DixonColes
)

func (v Variant) String() string {
	switch v {
	case OffensiveDefensive:
		return "offensive_defensive"
	case DixonColes:
		return "dixon_coles"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant accepts the names produced by String plus a few short forms
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offensive_defensive", "offensive-defensive", "od", "poisson":
		return OffensiveDefensive, nil
	case "dixon_coles", "dixon-coles", "dc":
		return DixonColes, nil
	}
	return 0, fmt.Errorf("unknown model variant %q", s)
}

// Defaults applied by Fit when a field is left zero
const (
	DefaultXi                = 0.5
	DefaultMaxIterations     = 500
	DefaultGradientTolerance = 1e-6
	DefaultSeed              = 42
)

// FitOptions controls a single rating fit
type FitOptions struct {
	Variant Variant
	// TimeDecay weights each match by exp(-Xi * age_in_days / 365.25)
	TimeDecay bool
	Xi        float64
	// MaxIterations bounds the quasi-Newton major iterations
	MaxIterations     int
	GradientTolerance float64
	// Seed drives the random initial guess. Ignored when InitialGuess is set.
	Seed int64
	// InitialGuess is [home_adv, (rho), attack..., defense...]
	InitialGuess []float64
	// Strict turns optimiser non-convergence into a hard error
	Strict bool
	// ReferenceDate is "now" for time decay; the newest match when zero
	ReferenceDate time.Time
}

// DefaultFitOptions returns the options used when nothing is configured
func DefaultFitOptions(v Variant) FitOptions {
	return FitOptions{
		Variant:           v,
		TimeDecay:         true,
		Xi:                DefaultXi,
		MaxIterations:     DefaultMaxIterations,
		GradientTolerance: DefaultGradientTolerance,
		Seed:              DefaultSeed,
	}
}

func (o FitOptions) withDefaults() FitOptions {
	if o.TimeDecay && o.Xi == 0 {
		o.Xi = DefaultXi
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = DefaultGradientTolerance
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	return o
}

func (o FitOptions) validate(dim int) error {
	if o.Variant != OffensiveDefensive && o.Variant != DixonColes {
		return fmt.Errorf("unsupported variant %s", o.Variant)
	}
	if o.Xi < 0 {
		return fmt.Errorf("xi must not be negative, got %v", o.Xi)
	}
	if o.InitialGuess != nil && len(o.InitialGuess) != dim {
		return fmt.Errorf("initial guess has %d values, %s needs %d", len(o.InitialGuess), o.Variant, dim)
	}
	if o.InitialGuess != nil && o.Variant == DixonColes && math.Abs(o.InitialGuess[1]) >= 1 {
		return fmt.Errorf("initial guess for rho must lie in (-1, 1), got %v", o.InitialGuess[1])
	}
	return nil
}
