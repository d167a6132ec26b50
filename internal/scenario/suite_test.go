package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
	"github.com/st3v3nmw/splitcheck/internal/oracle"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// stableCluster always reports a healthy three node cluster led by a.
type stableCluster struct {
	closed atomic.Int32
}

func (c *stableCluster) StartNodes(context.Context, int) ([]string, error) {
	return []string{"a", "b", "c"}, nil
}

func (c *stableCluster) View(_ context.Context, node string, _ bool) (cluster.View, error) {
	return cluster.View{Node: node, Version: 3, Master: "a", Nodes: []string{"a", "b", "c"}}, nil
}

func (c *stableCluster) Write(context.Context, string, string, []byte, time.Duration) (cluster.WriteResult, error) {
	return cluster.WriteResult{Version: 1}, nil
}

func (c *stableCluster) Read(context.Context, string, string, bool) (cluster.ReadResult, error) {
	return cluster.ReadResult{Found: true, Version: 1}, nil
}

func (c *stableCluster) WaitForHealth(context.Context, string, int, time.Duration, bool) (bool, error) {
	return false, nil
}

func (c *stableCluster) Network() cluster.Network { return nil }

func (c *stableCluster) Close() error {
	c.closed.Add(1)
	return nil
}

// countingScheme records Start and Stop calls.
type countingScheme struct {
	starts, stops int
}

func (s *countingScheme) Kind() disrupt.Kind                { return disrupt.KindDisconnect }
func (s *countingScheme) ExpectedTimeToHeal() time.Duration { return time.Second }
func (s *countingScheme) String() string                    { return "counting" }

func (s *countingScheme) Start(context.Context) error {
	s.starts++
	return nil
}

func (s *countingScheme) Stop(context.Context) error {
	s.stops++
	return nil
}

func newEnv(c cluster.Cluster) (*Env, *bytes.Buffer) {
	var out bytes.Buffer

	return &Env{
		Config: config.SimDefault(),
		NewCluster: func(*config.Config, logrus.FieldLogger) (cluster.Cluster, error) {
			return c, nil
		},
		Metrics: metrics.NewRegistry(),
		Out:     &out,
	}, &out
}

func TestSuitePassesAndTearsDown(t *testing.T) {
	c := &stableCluster{}
	env, out := newEnv(c)
	scheme := &countingScheme{}

	var steps []string
	passed := New().
		Setup(func(r *Run) {
			r.StartCluster(3)
		}).
		Test("Disrupt", func(r *Run) {
			steps = append(steps, "disrupt")
			r.Disrupt(scheme)
			assert.Equal(t, time.Second+r.Config().HealingOverhead, r.HealTimeout(scheme))
		}).
		Test("Heal", func(r *Run) {
			steps = append(steps, "heal")
			r.Heal(scheme)
			r.EnsureStable(3, "a", time.Second)
			r.Verify()
		}).
		Run(context.Background(), "happy", env)

	require.True(t, passed, out.String())
	assert.Equal(t, []string{"disrupt", "heal"}, steps)
	assert.Contains(t, out.String(), "✓ Disrupt")
	assert.Contains(t, out.String(), "✓ Heal")
	assert.Contains(t, out.String(), "PASSED")

	assert.Equal(t, 1, scheme.starts)
	assert.Equal(t, 2, scheme.stops, "teardown stops registered schemes again")
	assert.Equal(t, int32(1), c.closed.Load())

	assert.Equal(t, float64(1), testutil.ToFloat64(env.Metrics.ScenariosTotal.WithLabelValues("passed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(env.Metrics.FaultActive.WithLabelValues("disconnect")))
}

func TestSuiteStopsAtFirstFailure(t *testing.T) {
	c := &stableCluster{}
	env, out := newEnv(c)
	scheme := &countingScheme{}

	ran := false
	passed := New().
		Setup(func(r *Run) { r.StartCluster(3) }).
		Test("Fails", func(r *Run) {
			r.Disrupt(scheme)
			r.Fatalf("minority still has master %s", "a")
		}).
		Test("Never Runs", func(*Run) { ran = true }).
		Run(context.Background(), "failing", env)

	assert.False(t, passed)
	assert.False(t, ran)
	assert.Contains(t, out.String(), "✗ Fails")
	assert.Contains(t, out.String(), "  minority still has master a")
	assert.Contains(t, out.String(), "FAILED")
	assert.NotContains(t, out.String(), "Never Runs")

	assert.Equal(t, 1, scheme.stops)
	assert.Equal(t, int32(1), c.closed.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.Metrics.ScenariosTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(env.Metrics.FaultActive.WithLabelValues("disconnect")))
}

func TestSuiteSetupFailure(t *testing.T) {
	env, out := newEnv(nil)
	env.NewCluster = func(*config.Config, logrus.FieldLogger) (cluster.Cluster, error) {
		return nil, errors.New("no run script")
	}

	passed := New().Test("Unreachable", func(*Run) {}).Run(context.Background(), "broken", env)

	assert.False(t, passed)
	assert.Contains(t, out.String(), "✗ SETUP")
	assert.Contains(t, out.String(), "no run script")
}

func TestSuiteHonorsCancellation(t *testing.T) {
	c := &stableCluster{}
	env, out := newEnv(c)

	ctx, cancel := context.WithCancel(context.Background())
	passed := New().
		Test("Cancels", func(*Run) { cancel() }).
		Test("Skipped", func(*Run) {}).
		Run(ctx, "cancelled", env)

	assert.False(t, passed)
	assert.Contains(t, out.String(), "✗ Skipped")
	assert.Equal(t, int32(1), c.closed.Load())
}

func TestLoadThroughRun(t *testing.T) {
	c := &stableCluster{}
	env, out := newEnv(c)
	env.Verbose = true

	passed := New().
		Setup(func(r *Run) { r.StartCluster(3) }).
		Test("Writes", func(r *Run) {
			r.StartLoad()
			res := r.Round(2, time.Second)
			assert.Equal(t, 6, res.Acked)
			r.VerifyLedger()
		}).
		Run(context.Background(), "load", env)

	require.True(t, passed, out.String())
	assert.Contains(t, out.String(), "Writes: 6 acked, 0 disrupted, 0 unexpected, 6 in ledger")
}

func TestGroupDisruptions(t *testing.T) {
	errs := []error{
		fmt.Errorf("write x: %w", cluster.ErrNoMaster),
		fmt.Errorf("write y: %w", cluster.ErrTimeout),
		fmt.Errorf("write z: %w", cluster.ErrNoMaster),
		fmt.Errorf("write w: %w", context.DeadlineExceeded),
		errors.New("weird"),
	}

	assert.Equal(t, []disruptionGroup{
		{"no master", 2},
		{"timed out", 2},
		{"other", 1},
	}, groupDisruptions(errs))
}

func TestConsistentlyStep(t *testing.T) {
	env, out := newEnv(&stableCluster{})
	env.Config.ConsistencyWindow = 50 * time.Millisecond

	passed := New().
		Setup(func(r *Run) {
			r.StartCluster(3)
		}).
		Test("Master Holds", func(r *Run) {
			r.Consistently("b", oracle.MasterIs("a"), oracle.NodeCount(3))
		}).
		Test("Master Moves", func(r *Run) {
			r.Consistently("b", oracle.Not(oracle.MasterIs("a")))
		}).
		Run(context.Background(), "consistently", env)

	assert.False(t, passed)
	assert.Contains(t, out.String(), "✓ Master Holds")
	assert.Contains(t, out.String(), "✗ Master Moves")
	assert.Contains(t, out.String(), "expected not master a")
}
