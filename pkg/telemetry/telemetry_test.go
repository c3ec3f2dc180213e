package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/richard-senior/podds/pkg/ensemble"
	"github.com/richard-senior/podds/pkg/staking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ensemble.Observer = (*Metrics)(nil)

func TestObserveFitAndPredict(t *testing.T) {
	m := New(nil)
	m.ObserveFit("dixon_coles", 250*time.Millisecond, nil)
	m.ObserveFit("heuristics", time.Millisecond, errors.New("boom"))
	m.ObservePredict("dixon_coles", nil)
	m.ObservePredict("dixon_coles", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fits.WithLabelValues("dixon_coles", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fits.WithLabelValues("heuristics", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("dixon_coles", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.fitDuration))
}

func TestObserveBet(t *testing.T) {
	m := New(nil)
	m.ObserveBet(staking.AnalyzeBet(0.6, 2.0, 1000, staking.DefaultPolicy()))
	m.ObserveBet(staking.AnalyzeBet(0.4, 2.0, 1000, staking.DefaultPolicy()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.bets.WithLabelValues("no_bet", "false")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stakes))
}

func TestSeparateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.ObserveTool("podds_teams", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.toolCalls.WithLabelValues("podds_teams", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.toolCalls.WithLabelValues("podds_teams", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(nil)
	m.SetDatasetSize(380)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "podds_dataset_matches 380"), body)
}
