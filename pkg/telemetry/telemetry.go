// Package telemetry exposes podds activity as Prometheus metrics. Metrics
// live on the registry given to New, never the global default, so tests
// and embedders can run several instances side by side.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/staking"
)

const namespace = "podds"

// Metrics implements ensemble.Observer and records bet analyses and tool calls
type Metrics struct {
	registry *prometheus.Registry

	fits        *prometheus.CounterVec
	fitDuration *prometheus.HistogramVec
	predictions *prometheus.CounterVec
	bets        *prometheus.CounterVec
	stakes      prometheus.Histogram
	toolCalls   *prometheus.CounterVec
	matches     prometheus.Gauge
}

// New creates the podds metrics on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		fits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_fits_total",
				Help:      "Model fits by member and outcome",
			},
			[]string{"model", "status"},
		),
		fitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_fit_duration_seconds",
				Help:      "Time spent fitting each member",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Member predictions by outcome",
			},
			[]string{"model", "status"},
		),
		bets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bet_analyses_total",
				Help:      "Analysed selections by recommendation",
			},
			[]string{"recommendation", "value"},
		),
		stakes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "recommended_stake_percent",
				Help:      "Recommended stake as a percentage of bankroll",
				Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 10},
			},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "MCP tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),
		matches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dataset_matches",
				Help:      "Matches in the dataset of the last fit",
			},
		),
	}
	reg.MustRegister(m.fits, m.fitDuration, m.predictions, m.bets, m.stakes, m.toolCalls, m.matches)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveFit(model string, elapsed time.Duration, err error) {
	m.fits.WithLabelValues(model, status(err)).Inc()
	m.fitDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePredict(model string, err error) {
	m.predictions.WithLabelValues(model, status(err)).Inc()
}

// ObserveBet records one staking analysis
func (m *Metrics) ObserveBet(a staking.BetAnalysis) {
	value := "false"
	if a.IsValueBet {
		value = "true"
	}
	m.bets.WithLabelValues(string(a.Recommendation), value).Inc()
	if a.StakeRecommended > 0 {
		m.stakes.Observe(a.StakePercent)
	}
}

// ObserveTool records one tool call
func (m *Metrics) ObserveTool(tool string, err error) {
	m.toolCalls.WithLabelValues(tool, status(err)).Inc()
}

// SetDatasetSize records the number of matches trained on
func (m *Metrics) SetDatasetSize(n int) {
	m.matches.Set(float64(n))
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info("Serving metrics on " + addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
