package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)

	if r.WritesTotal == nil || r.OraclePollsTotal == nil || r.FaultActive == nil {
		t.Fatal("collectors not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestRecording(t *testing.T) {
	r := NewRegistry()

	r.RecordWrite("acked")
	r.RecordWrite("acked")
	r.RecordWrite("disrupted")
	r.RecordPoll("miss")
	r.FaultStarted("disconnect")
	r.FaultStarted("disconnect")
	r.FaultStopped("disconnect")
	r.RecordScenario("split-brain-avoidance", true, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.WritesTotal.WithLabelValues("acked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.WritesTotal.WithLabelValues("disrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OraclePollsTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FaultActive.WithLabelValues("disconnect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ScenariosTotal.WithLabelValues("passed")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry

	assert.NotPanics(t, func() {
		r.RecordWrite("acked")
		r.RecordPoll("match")
		r.FaultStarted("unresponsive")
		r.FaultStopped("unresponsive")
		r.RecordScenario("x", false, time.Second)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.RecordWrite("unexpected")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `splitcheck_writes_total{outcome="unexpected"} 1`)
}
