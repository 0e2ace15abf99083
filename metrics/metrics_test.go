package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.EventReceived("GARANT", "telegram")
	m.EventReceived("GARANT", "telegram")
	m.EventReceived("GARANT", "history")
	m.BlockWritten("GARANT", false, 1700000000)
	m.BlockWritten("GARANT", true, 1700000300)
	m.Duplicate("GARANT")
	m.MergeFailed("SWAPS")
	m.Restored("GARANT", 12)
	m.TaskRestarted("telegram", true)
	m.Backfilled("GARANT", 200)

	assert.InDelta(t, 2, testutil.ToFloat64(m.events.WithLabelValues("GARANT", "telegram")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.events.WithLabelValues("GARANT", "history")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.blocks.WithLabelValues("GARANT", "edit")), 0)
	assert.InDelta(t, 1700000300, testutil.ToFloat64(m.lastBlock.WithLabelValues("GARANT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.duplicates.WithLabelValues("GARANT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.mergeFailures.WithLabelValues("SWAPS")), 0)
	assert.InDelta(t, 12, testutil.ToFloat64(m.restored.WithLabelValues("GARANT")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.restarts.WithLabelValues("telegram", "error")), 0)
	assert.InDelta(t, 200, testutil.ToFloat64(m.backfilled.WithLabelValues("GARANT")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReceived("A", "telegram")
		m.BlockWritten("A", false, 0)
		m.Duplicate("A")
		m.MergeFailed("A")
		m.Restored("A", 1)
		m.TaskRestarted("t", false)
		m.Backfilled("A", 1)
	})
	assert.NotNil(t, m.Handler())
}

func TestHandler(t *testing.T) {
	m := New()
	m.EventReceived("UACOIN", "slack")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `channel_recorder_events_total{channel="UACOIN",source="slack"} 1`)
}
