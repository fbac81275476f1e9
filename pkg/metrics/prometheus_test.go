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
)

func TestPrometheusCollector_StateTransitions(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.StateTransition("bee-0", "created", "files_written")
	pc.StateTransition("bee-0", "files_written", "started")
	pc.StateTransition("bee-1", "created", "files_written")

	expected := `
		# HELP test_bee_state_transitions_total Total number of bee lifecycle state transitions
		# TYPE test_bee_state_transitions_total counter
		test_bee_state_transitions_total{bee_id="bee-0",from_state="created",to_state="files_written"} 1
		test_bee_state_transitions_total{bee_id="bee-0",from_state="files_written",to_state="started"} 1
		test_bee_state_transitions_total{bee_id="bee-1",from_state="created",to_state="files_written"} 1
	`
	err := testutil.GatherAndCompare(pc.Registry(), strings.NewReader(expected), "test_bee_state_transitions_total")
	assert.NoError(t, err)
}

func TestPrometheusCollector_KillAndProbes(t *testing.T) {
	pc := NewPrometheusCollector("test")

	pc.KillDuration("bee-0", 150*time.Millisecond, "stopped")
	pc.KillDuration("bee-1", 2*time.Second, "timeout")
	pc.HealthProbe("bee-0", "websocket", true, 5*time.Millisecond)
	pc.HealthProbe("bee-0", "websocket", false, time.Second)
	pc.HealthProbe("bee-0", "websocket", false, time.Second)

	count, err := testutil.GatherAndCount(pc.Registry(), "test_bee_kill_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, float64(2), testutil.ToFloat64(pc.healthProbes.WithLabelValues("bee-0", "websocket", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.healthProbes.WithLabelValues("bee-0", "websocket", "true")))
}

func TestPrometheusCollector_Archives(t *testing.T) {
	pc := NewPrometheusCollector("")

	pc.ArchiveGenerated("bee-0", 3, 1)
	pc.ArchiveGenerated("bee-0", 4, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(pc.archives.WithLabelValues("bee-0")))
	assert.Equal(t, float64(7), testutil.ToFloat64(pc.archivePieces.WithLabelValues("bee-0", "included")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pc.archivePieces.WithLabelValues("bee-0", "failed")))
}

func TestPrometheusCollector_Handler(t *testing.T) {
	pc := NewPrometheusCollector("test")
	pc.StateTransition("bee-0", "started", "healthy")

	server := httptest.NewServer(pc.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_bee_state_transitions_total{bee_id="bee-0",from_state="started",to_state="healthy"} 1`)
}

func TestNoopCollector(t *testing.T) {
	c := NewNoopCollector()
	assert.NotPanics(t, func() {
		c.StateTransition("bee-0", "created", "files_written")
		c.KillDuration("bee-0", time.Second, "stopped")
		c.HealthProbe("bee-0", "tcp", true, time.Millisecond)
		c.ArchiveGenerated("bee-0", 1, 0)
	})
}
