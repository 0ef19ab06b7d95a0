package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.UpdatesApplied.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.UpdatesApplied))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.UpdatesApplied))
}

func TestOrNew(t *testing.T) {
	m := New(nil)
	assert.Same(t, m, OrNew(m))
	assert.NotNil(t, OrNew(nil))
}

func TestHandler_ExposesKernelMetrics(t *testing.T) {
	m := New(nil)
	m.CacheHits.WithLabelValues("function").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `luxkernel_cache_hits_total{cache="function"} 3`)
}

func TestBoolGauge(t *testing.T) {
	assert.Equal(t, 1.0, BoolGauge(true))
	assert.Equal(t, 0.0, BoolGauge(false))
}
