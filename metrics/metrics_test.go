package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.SigningSession(OutcomeOK)
	m.Refresh(OutcomeTimeout)
	m.Recovery(OutcomeError)
	m.BackupDelivery(OutcomeOK)
	m.InvariantViolation()
	m.ObserveWindow("signing", time.Millisecond)
	m.SetHeldSecrets(3)
	m.SetEpoch(4)
	m.SetPendingDeliveries(1)
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("custody_test")

	m.SigningSession(OutcomeOK)
	m.SigningSession(OutcomeOK)
	m.SigningSession(OutcomeExpired)
	m.InvariantViolation()
	m.SetEpoch(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.signingSessions.WithLabelValues(OutcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.signingSessions.WithLabelValues(OutcomeExpired)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.invariantViolations))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.epoch))
}

func TestMetricsServer_Exposition(t *testing.T) {
	srv, err := New("custody_test", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Metrics.Refresh(OutcomeOK)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `custody_test_refreshes_total{outcome="ok"} 1`)

	_, err = New("", "127.0.0.1:0")
	assert.Error(t, err)
}
