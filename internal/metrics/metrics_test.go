package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/tierkeeper/internal/model"
)

func TestObserveSnapshot(t *testing.T) {
	m := New()
	m.ObserveSnapshot(model.NewUsageSnapshot("core", 900, 1000, time.Now()))

	assert.Equal(t, 900.0, testutil.ToFloat64(m.TierUsedBytes.WithLabelValues("core")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.TierCapacity.WithLabelValues("core")))
	assert.InDelta(t, 90.0, testutil.ToFloat64(m.TierPctUsed.WithLabelValues("core")), 1e-9)
}

func TestObserveSweep(t *testing.T) {
	m := New()
	start := time.Now()
	m.ObserveSweep(&model.SweepReport{
		Kind: model.SweepManual, StartedAt: start, FinishedAt: start.Add(time.Second),
		Migrated: 3, Failed: 1,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sweeps.WithLabelValues("manual")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepRecords.WithLabelValues("migrated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRecords.WithLabelValues("failed")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Transitions.WithLabelValues("DONE").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `tierkeeper_sync_transitions_total{state="DONE"} 1`), string(body))
}
