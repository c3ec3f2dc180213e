// Package rating fits per-team attack and defense strengths plus a home
// advantage constant by maximum likelihood under a Poisson goal model, in
// the Offensive-Defensive and Dixon-Coles variants.
package rating

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/dataset"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// contextRecorder stops the optimiser between iterations once ctx is done
type contextRecorder struct {
	ctx context.Context
}

func (r *contextRecorder) Init() error {
	return r.ctx.Err()
}

func (r *contextRecorder) Record(_ *optimize.Location, _ optimize.Operation, _ *optimize.Stats) error {
	return r.ctx.Err()
}

// Fit estimates the model parameters for ds. The returned model is
// immutable. Non-convergence is reported through Model.Warnings unless
// opts.Strict is set, in which case it is returned as an error. A fit that
// ends on parameters no probability model can have fails with
// ErrDegenerateFit.
func Fit(ctx context.Context, ds *dataset.Dataset, opts FitOptions) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	ref := opts.ReferenceDate
	if ref.IsZero() {
		ref = ds.Newest()
	}
	xi := 0.0
	if opts.TimeDecay {
		xi = opts.Xi
	}
	matches := ds.Matches()
	obj := newObjective(ds, opts.Variant, DecayWeights(matches, xi, ref))
	if err := opts.validate(obj.dim()); err != nil {
		return nil, fmt.Errorf("invalid fit options: %w", err)
	}

	x0 := initialGuess(opts, obj)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return obj.eval(x, nil)
		},
		Grad: func(grad, x []float64) {
			obj.eval(x, grad)
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: opts.GradientTolerance,
		MajorIterations:   opts.MaxIterations,
		Recorder:          &contextRecorder{ctx: ctx},
	}

	logger.Debug(fmt.Sprintf("Fitting %s on %d matches, %d teams, %d parameters", opts.Variant, len(matches), obj.n, obj.dim()))
	start := time.Now()
	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fit %s: %w", opts.Variant, ctxErr)
	}
	if result == nil {
		return nil, fmt.Errorf("fit %s: optimiser could not start: %w", opts.Variant, err)
	}

	converged := err == nil && convergedStatus(result.Status)
	logLikelihood := -result.F
	if bad := obj.degenerate(result.X, logLikelihood); bad != nil {
		logger.Warn(fmt.Sprintf("Rejected %s fit after %d iterations (status %s):", opts.Variant, result.MajorIterations, result.Status), bad)
		return nil, fmt.Errorf("fit %s: %w", opts.Variant, bad)
	}

	grad := make([]float64, obj.dim())
	obj.eval(result.X, grad)
	gradNorm := floats.Norm(grad, 2)

	m := newModel(opts.Variant, ds.Teams(), obj, result.X)
	m.logLikelihood = logLikelihood
	m.iterations = result.MajorIterations
	m.converged = converged
	m.matches = len(matches)

	if !converged {
		warning := fmt.Errorf("%s: %w after %d iterations (status %s, gradient norm %.3g)",
			opts.Variant, ErrOptimizerNonConvergence, result.MajorIterations, result.Status, gradNorm)
		if err != nil {
			warning = fmt.Errorf("%w: %v", warning, err)
		}
		if opts.Strict {
			return nil, warning
		}
		logger.Warn(warning.Error())
		m.warnings = append(m.warnings, warning)
	}

	logger.Info(fmt.Sprintf("Fitted %s in %s: log-likelihood %.4f, home advantage %.4f, rho %.4f, %d iterations, gradient norm %.3g",
		opts.Variant, time.Since(start).Round(time.Millisecond), m.logLikelihood, m.homeAdvantage, m.rho, m.iterations, gradNorm))
	return m, nil
}

func convergedStatus(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence,
		optimize.StepConvergence, optimize.MethodConverge:
		return true
	}
	return false
}

// initialGuess uses the caller's vector when given, otherwise seeded draws:
// home advantage in [0, 0.5), rho in [-0.05, 0.05), strengths in [-0.1, 0.1).
// The caller gives rho itself; the optimiser works on atanh(rho).
func initialGuess(opts FitOptions, obj *objective) []float64 {
	x := make([]float64, obj.dim())
	if opts.InitialGuess != nil {
		copy(x, opts.InitialGuess)
		if obj.variant == DixonColes {
			x[1] = math.Atanh(x[1])
		}
		return x
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	x[0] = rng.Float64() * 0.5
	if obj.variant == DixonColes {
		x[1] = rng.Float64()*0.1 - 0.05
	}
	for i := obj.offset(); i < len(x); i++ {
		x[i] = rng.Float64()*0.2 - 0.1
	}
	return x
}
