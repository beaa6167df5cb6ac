package monitor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor(t *testing.T) {
	m := New("test-run")
	m.StartEpoch(3)
	m.ObserveStep(1.5, 0.25, true, 10*time.Millisecond)
	m.ObserveStep(0, 0, false, 10*time.Millisecond)
	m.ObserveFID(12.5, nil)
	m.ObserveFID(0, errors.New("too few samples"))
	m.SkippedBatch()
	m.CheckpointSaved()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.epoch))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.losses.WithLabelValues("generator")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.losses.WithLabelValues("discriminator")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("non_finite")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.fid))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metricFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skippedBatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointsSaved))

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `gaugan_fid{run_id="test-run"} 12.5`)
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.StartEpoch(1)
		m.ObserveStep(1, 1, true, time.Second)
		m.ObserveFID(1, nil)
		m.SkippedBatch()
		m.CheckpointSaved()
	})
}
