package sim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

func startCluster(t *testing.T, n int) (*Cluster, []string) {
	t.Helper()

	c := New(Options{Tick: 10 * time.Millisecond, PingTimeout: 50 * time.Millisecond, Seed: 1})
	t.Cleanup(func() { c.Close() })

	ids, err := c.StartNodes(context.Background(), n)
	require.NoError(t, err)

	waitHealthy(t, c, ids[0], n)
	return c, ids
}

func waitHealthy(t *testing.T, c *Cluster, via string, n int) {
	t.Helper()

	timedOut, err := c.WaitForHealth(context.Background(), via, n, 5*time.Second, true)
	require.NoError(t, err)
	require.False(t, timedOut, "cluster did not reach %d healthy nodes via %s", n, via)
}

func localView(t *testing.T, c *Cluster, id string) cluster.View {
	t.Helper()

	v, err := c.View(context.Background(), id, true)
	require.NoError(t, err)
	return v
}

func cut(t *testing.T, c *Cluster, isolated string, others []string, rule func(context.Context, string, string) error) {
	t.Helper()

	for _, o := range others {
		if o == isolated {
			continue
		}
		require.NoError(t, rule(context.Background(), isolated, o))
		require.NoError(t, rule(context.Background(), o, isolated))
	}
}

func heal(t *testing.T, c *Cluster, ids []string) {
	t.Helper()

	for _, a := range ids {
		for _, b := range ids {
			require.NoError(t, c.Heal(context.Background(), a, b))
		}
	}
}

func TestStartElectsSingleMaster(t *testing.T) {
	c, ids := startCluster(t, 3)

	first := localView(t, c, ids[0])
	require.NotEmpty(t, first.Master)
	assert.Len(t, first.Nodes, 3)
	assert.Empty(t, first.Blocks)

	for _, id := range ids[1:] {
		v := localView(t, c, id)
		assert.Equal(t, first.Master, v.Master)
		assert.Equal(t, first.Version, v.Version)
	}

	_, err := c.StartNodes(context.Background(), 3)
	assert.ErrorIs(t, err, cluster.ErrAlreadyStarted)
}

func TestIsolatedMasterStepsDown(t *testing.T) {
	tests := []struct {
		name string
		rule func(c *Cluster) func(context.Context, string, string) error
	}{
		{"Disconnect", func(c *Cluster) func(context.Context, string, string) error { return c.Disconnect }},
		{"Blackhole", func(c *Cluster) func(context.Context, string, string) error { return c.Blackhole }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ids := startCluster(t, 3)
			master := localView(t, c, ids[0]).Master

			var majority []string
			for _, id := range ids {
				if id != master {
					majority = append(majority, id)
				}
			}

			cut(t, c, master, ids, tt.rule(c))

			require.Eventually(t, func() bool {
				v := localView(t, c, master)
				return v.Master == "" && v.HasBlock(cluster.NoMasterWriteBlock)
			}, 5*time.Second, 10*time.Millisecond)

			waitHealthy(t, c, majority[0], 2)
			newMaster := localView(t, c, majority[0]).Master
			assert.NotEqual(t, master, newMaster)
			assert.Contains(t, majority, newMaster)

			heal(t, c, ids)
			waitHealthy(t, c, majority[0], 3)

			for _, id := range ids {
				v := localView(t, c, id)
				assert.Equal(t, newMaster, v.Master, "view of %s", id)
				assert.Len(t, v.Nodes, 3)
			}
		})
	}
}

func TestWritesReplicateAndSurviveRejoin(t *testing.T) {
	c, ids := startCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.CreateIndex(ctx, "test", 3, 2))
	waitHealthy(t, c, ids[0], 3)

	isolated := ids[2]
	cut(t, c, isolated, ids, c.Disconnect)

	require.Eventually(t, func() bool {
		return localView(t, c, isolated).Master == ""
	}, 5*time.Second, 10*time.Millisecond)

	_, err := c.Write(ctx, isolated, "blocked", nil, time.Second)
	require.ErrorIs(t, err, cluster.ErrBlocked)
	assert.True(t, cluster.IsDisruption(err))

	waitHealthy(t, c, ids[0], 2)

	acked := make(map[string]int64)
	for i := range 10 {
		id := fmt.Sprintf("doc-%d", i)
		res, err := c.Write(ctx, ids[i%2], id, []byte("x"), time.Second)
		require.NoError(t, err)
		acked[id] = res.Version
	}

	heal(t, c, ids)
	waitHealthy(t, c, ids[0], 3)

	for id, version := range acked {
		for _, node := range ids {
			res, err := c.Read(ctx, node, id, true)
			require.NoError(t, err)
			assert.True(t, res.Found, "%s missing on %s", id, node)
			assert.Equal(t, version, res.Version)
		}
	}
}

func TestNoMasterBlockLevel(t *testing.T) {
	c, ids := startCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.SetNoMasterBlock(ctx, cluster.NoMasterAllBlock))
	waitHealthy(t, c, ids[0], 3)

	cut(t, c, ids[1], ids, c.Disconnect)

	require.Eventually(t, func() bool {
		return localView(t, c, ids[1]).HasBlock(cluster.NoMasterAllBlock)
	}, 5*time.Second, 10*time.Millisecond)

	_, err := c.Read(ctx, ids[1], "anything", true)
	assert.ErrorIs(t, err, cluster.ErrBlocked)
}

func TestDelayedLinksStillDeliver(t *testing.T) {
	c, ids := startCluster(t, 3)
	ctx := context.Background()

	for _, a := range ids {
		for _, b := range ids {
			if a != b {
				require.NoError(t, c.Delay(ctx, a, b, time.Millisecond, 5*time.Millisecond))
			}
		}
	}

	res, err := c.Write(ctx, ids[0], "slow", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	require.NoError(t, c.SlowApply(ctx, ids[1], time.Millisecond, 20*time.Millisecond))
	require.NoError(t, c.CreateIndex(ctx, "test", 1, 1))
	waitHealthy(t, c, ids[0], 3)
	require.NoError(t, c.RestoreApply(ctx, ids[1]))

	heal(t, c, ids)
	waitHealthy(t, c, ids[0], 3)

	v0, v1 := localView(t, c, ids[0]), localView(t, c, ids[1])
	assert.Equal(t, v0.Version, v1.Version)
	assert.Equal(t, v0.RoutingFingerprint, v1.RoutingFingerprint)
}

func TestUnknownNode(t *testing.T) {
	c, _ := startCluster(t, 3)

	_, err := c.View(context.Background(), "node-9", true)
	assert.ErrorIs(t, err, cluster.ErrUnknownNode)

	assert.ErrorIs(t, c.Disconnect(context.Background(), "node-0", "node-9"), cluster.ErrUnknownNode)
}

func TestRoutingFor(t *testing.T) {
	nodes := []string{"a", "b", "c"}
	got := routingFor(map[string]index{"test": {shards: 2, replicas: 1}}, nodes)
	assert.Equal(t, "test/0=a+b;test/1=b+c;", got)

	assert.Empty(t, routingFor(nil, nodes))
}
