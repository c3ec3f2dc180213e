package rating

import (
	"fmt"
	"math"
	"time"

	"github.com/richard-senior/podds/pkg/dataset"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// log-rates are clamped so a wild line-search step cannot overflow exp
	maxEta = 50.0
	// below this tau the log is continued linearly, giving a large finite
	// penalty that the line search backs away from
	tauFloor = 1e-6
	// weight of the quadratic penalty keeping every fixture's four
	// corrected cells non-negative
	tauPenaltyScale = 1e6
	// how far below zero a fitted tau may sit before the fit is rejected
	tauSlack   = 1e-3
	daysInYear = 365.25
)

// Tau is the Dixon-Coles low score correction factor
func Tau(homeGoals, awayGoals int, lambdaHome, lambdaAway, rho float64) float64 {
	switch {
	case homeGoals == 0 && awayGoals == 0:
		return 1 - lambdaHome*lambdaAway*rho
	case homeGoals == 0 && awayGoals == 1:
		return 1 + lambdaHome*rho
	case homeGoals == 1 && awayGoals == 0:
		return 1 + lambdaAway*rho
	case homeGoals == 1 && awayGoals == 1:
		return 1 - rho
	}
	return 1
}

// logTau returns log(tau) and its derivatives with respect to the home
// log-rate, the away log-rate and rho
func logTau(hg, ag int, lh, la, rho float64) (lt, dEtaH, dEtaA, dRho float64) {
	var tau float64
	switch {
	case hg == 0 && ag == 0:
		tau = 1 - lh*la*rho
		dEtaH, dEtaA, dRho = -lh*la*rho, -lh*la*rho, -lh*la
	case hg == 0 && ag == 1:
		tau = 1 + lh*rho
		dEtaH, dRho = lh*rho, lh
	case hg == 1 && ag == 0:
		tau = 1 + la*rho
		dEtaA, dRho = la*rho, la
	case hg == 1 && ag == 1:
		tau = 1 - rho
		dRho = -1
	default:
		return 0, 0, 0, 0
	}
	if tau > tauFloor {
		return math.Log(tau), dEtaH / tau, dEtaA / tau, dRho / tau
	}
	return math.Log(tauFloor) + (tau-tauFloor)/tauFloor, dEtaH / tauFloor, dEtaA / tauFloor, dRho / tauFloor
}

// tauPenalty is the penalty for a fixture whose rates and rho push one of
// tau(0,0), tau(0,1) or tau(1,0) below the floor, whatever the actual score.
// tau(1,1) = 1 - rho stays positive because |rho| < 1. It returns the
// penalty and its derivatives with respect to the two log-rates and rho.
func tauPenalty(lh, la, rho float64) (p, dEtaH, dEtaA, dRho float64) {
	add := func(tau, tH, tA, tR float64) {
		if tau >= tauFloor {
			return
		}
		gap := tauFloor - tau
		p += tauPenaltyScale * gap * gap
		k := -2 * tauPenaltyScale * gap
		dEtaH += k * tH
		dEtaA += k * tA
		dRho += k * tR
	}
	add(1-lh*la*rho, -lh*la*rho, -lh*la*rho, -lh*la)
	add(1+lh*rho, lh*rho, 0, lh)
	add(1+la*rho, 0, la*rho, la)
	return p, dEtaH, dEtaA, dRho
}

// DecayWeights returns exp(-xi * age / 365.25) per match, where age is the
// number of days between the match and ref. Matches after ref, or without a
// date, get weight 1.
func DecayWeights(matches []dataset.MatchRecord, xi float64, ref time.Time) []float64 {
	w := make([]float64, len(matches))
	for i, m := range matches {
		w[i] = 1
		if xi == 0 || m.Date.IsZero() || ref.IsZero() {
			continue
		}
		days := ref.Sub(m.Date).Hours() / 24
		if days > 0 {
			w[i] = math.Exp(-xi * days / daysInYear)
		}
	}
	return w
}

// objective is the weighted negative log-likelihood over the parameter
// vector [home_adv, (atanh rho), attack..., defense...]. Attack and defense
// are re-centred to mean zero every time they are read, and rho is read
// through tanh so it stays inside (-1, 1).
type objective struct {
	variant Variant
	n       int
	home    []int
	away    []int
	hg      []float64
	ag      []float64
	logFact []float64
	weights []float64

	att, def   []float64
	gAtt, gDef []float64
}

func newObjective(ds *dataset.Dataset, v Variant, weights []float64) *objective {
	n := len(ds.Teams())
	o := &objective{
		variant: v,
		n:       n,
		weights: weights,
		att:     make([]float64, n),
		def:     make([]float64, n),
		gAtt:    make([]float64, n),
		gDef:    make([]float64, n),
	}
	for _, m := range ds.Matches() {
		h, _ := ds.TeamIndex(dataset.TeamID(m.HomeTeam))
		a, _ := ds.TeamIndex(dataset.TeamID(m.AwayTeam))
		o.home = append(o.home, h)
		o.away = append(o.away, a)
		o.hg = append(o.hg, float64(m.HomeGoals))
		o.ag = append(o.ag, float64(m.AwayGoals))
		lh, _ := math.Lgamma(float64(m.HomeGoals + 1))
		la, _ := math.Lgamma(float64(m.AwayGoals + 1))
		o.logFact = append(o.logFact, lh+la)
	}
	return o
}

func (o *objective) offset() int {
	if o.variant == DixonColes {
		return 2
	}
	return 1
}

func (o *objective) dim() int {
	return o.offset() + 2*o.n
}

func centre(v []float64) {
	floats.AddConst(-stat.Mean(v, nil), v)
}

func clampEta(eta float64) float64 {
	return math.Max(-maxEta, math.Min(maxEta, eta))
}

// unpack reads home advantage, rho and the centred strengths from x
func (o *objective) unpack(x []float64) (ha, rho float64) {
	ha = x[0]
	if o.variant == DixonColes {
		rho = math.Tanh(x[1])
	}
	k := o.offset()
	copy(o.att, x[k:k+o.n])
	copy(o.def, x[k+o.n:k+2*o.n])
	centre(o.att)
	centre(o.def)
	return ha, rho
}

// eval returns the negative log-likelihood at x and, when grad is non-nil,
// writes its gradient into grad
func (o *objective) eval(x, grad []float64) float64 {
	ha, rho := o.unpack(x)
	dc := o.variant == DixonColes
	if grad != nil {
		for i := range o.gAtt {
			o.gAtt[i] = 0
			o.gDef[i] = 0
		}
	}

	var nll, gHa, gRho float64
	for m := range o.home {
		h, a := o.home[m], o.away[m]
		etaH := clampEta(ha + o.att[h] - o.def[a])
		etaA := clampEta(o.att[a] - o.def[h])
		lh, la := math.Exp(etaH), math.Exp(etaA)
		w := o.weights[m]

		ll := o.hg[m]*etaH - lh + o.ag[m]*etaA - la - o.logFact[m]
		dH := o.hg[m] - lh
		dA := o.ag[m] - la
		// tau penalty gradient with respect to the two log-rates
		var pH, pA float64
		if dc {
			lt, tH, tA, tR := logTau(int(o.hg[m]), int(o.ag[m]), lh, la, rho)
			ll += lt
			dH += tH
			dA += tA
			gRho -= w * tR

			p, qH, qA, qR := tauPenalty(lh, la, rho)
			nll += p
			pH, pA = qH, qA
			gRho += qR
		}
		nll -= w * ll

		if grad != nil {
			gH := pH - w*dH
			gA := pA - w*dA
			gHa += gH
			o.gAtt[h] += gH
			o.gDef[a] -= gH
			o.gAtt[a] += gA
			o.gDef[h] -= gA
		}
	}

	if grad != nil {
		grad[0] = gHa
		if dc {
			// d rho / dx = 1 - tanh^2
			grad[1] = gRho * (1 - rho*rho)
		}
		// chain rule through the centring
		centre(o.gAtt)
		centre(o.gDef)
		k := o.offset()
		copy(grad[k:k+o.n], o.gAtt)
		copy(grad[k+o.n:k+2*o.n], o.gDef)
	}
	return nll
}

// degenerate reports why the fitted vector x cannot be a usable model: a
// non-finite parameter, a positive log-likelihood, a fitted rate pinned at
// the log-rate clamp, or a Dixon-Coles correction that leaves a fixture with
// a negative cell probability
func (o *objective) degenerate(x []float64, logLikelihood float64) error {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: parameter %d is %v", ErrDegenerateFit, i, v)
		}
	}
	if math.IsNaN(logLikelihood) || logLikelihood > 0 {
		return fmt.Errorf("%w: log-likelihood %v", ErrDegenerateFit, logLikelihood)
	}
	ha, rho := o.unpack(x)
	for m := range o.home {
		h, a := o.home[m], o.away[m]
		etaH := ha + o.att[h] - o.def[a]
		etaA := o.att[a] - o.def[h]
		if math.Abs(etaH) >= maxEta || math.Abs(etaA) >= maxEta {
			return fmt.Errorf("%w: expected goals for match %d reached the log-rate limit %v", ErrDegenerateFit, m, maxEta)
		}
		if o.variant != DixonColes {
			continue
		}
		lh, la := math.Exp(etaH), math.Exp(etaA)
		for _, cell := range [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}} {
			if tau := Tau(cell[0], cell[1], lh, la, rho); tau < -tauSlack {
				return fmt.Errorf("%w: rho %.4g gives tau(%d,%d) = %.4g for match %d", ErrDegenerateFit, rho, cell[0], cell[1], tau, m)
			}
		}
	}
	return nil
}
