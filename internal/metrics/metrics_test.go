package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manwonyori/gitsyncd/internal/model"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetQueueDepth(3)
		m.EventReceived(model.SourceLocal)
		m.BatchFlushed(model.FlushMaxAge)
		m.CycleCompleted(model.SyncResult{FinalState: model.StateDone})
		m.Reconnected()
		m.RulesReloaded(false)
	})
}

func TestCounters(t *testing.T) {
	m := New()

	m.SetQueueDepth(7)
	m.EventReceived(model.SourceRemote)
	m.EventReceived(model.SourceRemote)
	m.BatchFlushed(model.FlushQuietWindow)
	m.Reconnected()
	m.CycleCompleted(model.SyncResult{FinalState: model.StateFailed, Error: model.KindAuthFailure, DurationMS: 120})
	m.CycleCompleted(model.SyncResult{FinalState: model.StateDone, RepairedIndex: true})

	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesFlushed.WithLabelValues("quiet_window")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("FAILED", "AuthFailure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("DONE", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRepairs))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Reconnected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "syncd_remote_reconnects_total 1")
}
