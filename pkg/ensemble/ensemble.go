package ensemble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/heuristic"
	"github.com/richard-senior/podds/pkg/markets"
	"github.com/richard-senior/podds/pkg/rating"
	"golang.org/x/sync/errgroup"
)

// Predictor is a fitted member
type Predictor interface {
	PredictMatch(home, away string, maxGoals int) (*markets.Prediction, error)
}

// Trainer fits one member on a dataset
type Trainer func(ctx context.Context, ds *dataset.Dataset) (Predictor, error)

// Member is a named trainer
type Member struct {
	Name  string
	Train Trainer
}

// Observer is told about every member fit and prediction
type Observer interface {
	ObserveFit(model string, elapsed time.Duration, err error)
	ObservePredict(model string, err error)
}

// ModelUnavailable records why a member is absent from a blend
type ModelUnavailable struct {
	Model string
	Err   error
}

func (e *ModelUnavailable) Error() string {
	return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
}

func (e *ModelUnavailable) Unwrap() error {
	return e.Err
}

// MemberStatus describes a member after the last fit or prediction
type MemberStatus struct {
	Available bool                         `json:"available"`
	Error     string                       `json:"error,omitempty"`
	Warnings  []string                     `json:"warnings,omitempty"`
	Markets   *markets.MarketProbabilities `json:"markets,omitempty"`
}

// Prediction is the blended view of one fixture
type Prediction struct {
	HomeTeam          string                      `json:"home_team"`
	AwayTeam          string                      `json:"away_team"`
	Markets           markets.MarketProbabilities `json:"markets"`
	ExpectedHomeGoals float64                     `json:"expected_home_goals,omitempty"`
	ExpectedAwayGoals float64                     `json:"expected_away_goals,omitempty"`
	TopScorelines     []markets.Scoreline         `json:"top_scorelines,omitempty"`
	Members           map[string]MemberStatus     `json:"members"`
	Matrix            *markets.ScoreMatrix        `json:"-"`
}

// Ensemble trains its members concurrently and blends their predictions.
// Refitting swaps the fitted set atomically, so Predict may run alongside Fit.
type Ensemble struct {
	members  []Member
	weights  Weights
	maxGoals int
	observer Observer

	mu     sync.RWMutex
	fitted map[string]Predictor
	status map[string]MemberStatus
	ds     *dataset.Dataset
}

type Option func(*Ensemble)

// WithObserver reports fits and predictions to o
func WithObserver(o Observer) Option {
	return func(e *Ensemble) { e.observer = o }
}

// WithMaxGoals sets the score matrix truncation
func WithMaxGoals(n int) Option {
	return func(e *Ensemble) { e.maxGoals = n }
}

// New builds an unfitted ensemble
func New(weights Weights, members []Member, opts ...Option) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("ensemble needs at least one member")
	}
	seen := make(map[string]bool)
	for _, m := range members {
		if m.Name == "" || m.Train == nil {
			return nil, fmt.Errorf("ensemble member needs a name and a trainer")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate ensemble member %s", m.Name)
		}
		if _, ok := weights[m.Name]; !ok {
			return nil, fmt.Errorf("no weight configured for member %s", m.Name)
		}
		seen[m.Name] = true
	}
	e := &Ensemble{
		members:  members,
		weights:  weights,
		maxGoals: markets.DefaultMaxGoals,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// DefaultMembers returns the Dixon-Coles, Offensive-Defensive and
// heuristic members
func DefaultMembers(dc, od rating.FitOptions, hc heuristic.Config) []Member {
	dc.Variant = rating.DixonColes
	od.Variant = rating.OffensiveDefensive
	return []Member{
		{Name: DixonColes, Train: RatingTrainer(dc)},
		{Name: OffensiveDefensive, Train: RatingTrainer(od)},
		{Name: Heuristics, Train: HeuristicTrainer(hc)},
	}
}

// Weighted keeps the members that have a weight in w, in their given order.
// Leaving a member out of the configured weights drops it from the blend.
func Weighted(members []Member, w Weights) []Member {
	var out []Member
	for _, m := range members {
		if _, ok := w[m.Name]; ok {
			out = append(out, m)
		}
	}
	return out
}

// RatingTrainer fits a rating model with opts
func RatingTrainer(opts rating.FitOptions) Trainer {
	return func(ctx context.Context, ds *dataset.Dataset) (Predictor, error) {
		m, err := rating.Fit(ctx, ds, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// HeuristicTrainer builds the checklist scorer
func HeuristicTrainer(cfg heuristic.Config) Trainer {
	return func(_ context.Context, ds *dataset.Dataset) (Predictor, error) {
		c, err := heuristic.New(ds, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type warner interface {
	Warnings() []error
}

// Fit trains every member in parallel. A member that fails is recorded as
// unavailable; Fit itself fails only when every member failed or ctx ends.
func (e *Ensemble) Fit(ctx context.Context, ds *dataset.Dataset) error {
	fitted := make([]Predictor, len(e.members))
	errs := make([]error, len(e.members))
	elapsed := make([]time.Duration, len(e.members))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range e.members {
		g.Go(func() error {
			start := time.Now()
			fitted[i], errs[i] = safeTrain(gctx, m, ds)
			elapsed[i] = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ensemble fit: %w", err)
	}

	nextFitted := make(map[string]Predictor)
	nextStatus := make(map[string]MemberStatus)
	var failures []error
	for i, m := range e.members {
		if e.observer != nil {
			e.observer.ObserveFit(m.Name, elapsed[i], errs[i])
		}
		if errs[i] != nil {
			logger.Warn(fmt.Sprintf("Ensemble member %s failed to fit", m.Name), errs[i])
			failures = append(failures, &ModelUnavailable{Model: m.Name, Err: errs[i]})
			nextStatus[m.Name] = MemberStatus{Error: errs[i].Error()}
			continue
		}
		st := MemberStatus{Available: true}
		if w, ok := fitted[i].(warner); ok {
			for _, warn := range w.Warnings() {
				st.Warnings = append(st.Warnings, warn.Error())
			}
		}
		nextFitted[m.Name] = fitted[i]
		nextStatus[m.Name] = st
	}
	if len(nextFitted) == 0 {
		return fmt.Errorf("%w: %w", ErrNoModelsAvailable, errors.Join(failures...))
	}

	e.mu.Lock()
	e.fitted = nextFitted
	e.status = nextStatus
	e.ds = ds
	e.mu.Unlock()
	logger.Info(fmt.Sprintf("Ensemble fitted: %d of %d members available", len(nextFitted), len(e.members)))
	return nil
}

// safeTrain runs a trainer, turning a panic into an error
func safeTrain(ctx context.Context, m Member, ds *dataset.Dataset) (p Predictor, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("panic during fit: %v", r)
		}
	}()
	p, err = m.Train(ctx, ds)
	if err == nil && p == nil {
		err = fmt.Errorf("trainer returned no model")
	}
	return p, err
}

func safePredict(p Predictor, home, away string, maxGoals int) (pred *markets.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			pred, err = nil, fmt.Errorf("panic during prediction: %v", r)
		}
	}()
	pred, err = p.PredictMatch(home, away, maxGoals)
	if err == nil && pred == nil {
		err = fmt.Errorf("model returned no prediction")
	}
	return pred, err
}

// Fitted reports whether Fit has succeeded at least once
func (e *Ensemble) Fitted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fitted != nil
}

// Members returns the status of every member after the last fit
func (e *Ensemble) Members() map[string]MemberStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]MemberStatus, len(e.status))
	for k, v := range e.status {
		out[k] = v
	}
	return out
}

// Model returns a fitted member by name
func (e *Ensemble) Model(name string) (Predictor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.fitted[name]
	return p, ok
}

// Dataset returns the dataset of the last successful fit
func (e *Ensemble) Dataset() *dataset.Dataset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ds
}

// Weights returns the blend weights
func (e *Ensemble) Weights() Weights {
	out := make(Weights, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

// Predict asks every fitted member for the fixture and blends the answers.
// A member that errors is left out; only when none answers is an error
// returned, wrapping ErrNoModelsAvailable and each member's cause.
func (e *Ensemble) Predict(home, away string) (*Prediction, error) {
	e.mu.RLock()
	fitted := e.fitted
	fitStatus := e.status
	e.mu.RUnlock()
	if fitted == nil {
		return nil, fmt.Errorf("ensemble has not been fitted")
	}

	out := &Prediction{HomeTeam: home, AwayTeam: away, Members: make(map[string]MemberStatus)}
	probs := make(map[string]*markets.MarketProbabilities)
	matrices := make(map[string]*markets.ScoreMatrix)
	var failures []error

	for _, m := range e.members {
		p, ok := fitted[m.Name]
		if !ok {
			out.Members[m.Name] = fitStatus[m.Name]
			continue
		}
		pred, err := safePredict(p, home, away, e.maxGoals)
		if e.observer != nil {
			e.observer.ObservePredict(m.Name, err)
		}
		if err != nil {
			logger.Debug(fmt.Sprintf("Ensemble member %s could not predict %s v %s", m.Name, home, away), err)
			failures = append(failures, &ModelUnavailable{Model: m.Name, Err: err})
			out.Members[m.Name] = MemberStatus{Error: err.Error()}
			continue
		}
		mk := pred.Markets
		probs[m.Name] = &mk
		if pred.Matrix != nil {
			matrices[m.Name] = pred.Matrix
		}
		st := fitStatus[m.Name]
		st.Available = true
		st.Markets = &mk
		out.Members[m.Name] = st
	}

	combined, err := Combine(probs, e.weights)
	if err != nil {
		if len(failures) > 0 {
			return nil, fmt.Errorf("%w: %w", err, errors.Join(failures...))
		}
		return nil, err
	}
	out.Markets = *combined

	if len(matrices) > 0 {
		matrix, err := CombineMatrices(matrices, e.weights)
		if err != nil {
			return nil, fmt.Errorf("blend score matrices: %w", err)
		}
		out.Matrix = matrix
		out.TopScorelines = matrix.TopScorelines(markets.TopScorelineCount)
		out.ExpectedHomeGoals, out.ExpectedAwayGoals = matrix.ExpectedGoals()
	}
	return out, nil
}
