package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

func testOptions(t *testing.T) Options {
	return Options{
		Command:         "./run.sh",
		WorkingDir:      t.TempDir(),
		StartTimeout:    300 * time.Millisecond,
		ShutdownTimeout: time.Second,
		RequestTimeout:  time.Second,
		PollInterval:    10 * time.Millisecond,
	}
}

// mockCluster serves every node from an httptest server instead of a process.
func mockCluster(t *testing.T, handlers map[string]http.HandlerFunc) *Cluster {
	t.Helper()

	c, err := New(testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	for _, id := range []string{"node-0", "node-1", "node-2"} {
		handler, ok := handlers[id]
		if !ok {
			handler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
		}

		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)

		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)

		c.procs.Set(id, &process{id: id, port: port})
		c.ids = append(c.ids, id)
	}
	c.started = true

	return c
}

func TestView(t *testing.T) {
	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-0": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/cluster/state", r.URL.Path)
			assert.Equal(t, "true", r.URL.Query().Get("local"))

			w.Write([]byte(`{
				"version": 12,
				"master": "node-1",
				"nodes": ["node-0", "node-1"],
				"blocks": [],
				"metadata_version": 3,
				"routing": "test/0=node-0+node-1;",
				"relocating": 1
			}`))
		},
		"node-1": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"node":"node-1","version":4,"master":"","nodes":["node-1"],"blocks":["no-master-write"]}`))
		},
		"node-2": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		},
	})

	v, err := c.View(context.Background(), "node-0", true)
	require.NoError(t, err)
	assert.Equal(t, cluster.View{
		Node:               "node-0",
		Version:            12,
		Master:             "node-1",
		Nodes:              []string{"node-0", "node-1"},
		MetadataVersion:    3,
		RoutingFingerprint: "test/0=node-0+node-1;",
		Relocating:         1,
	}, v)

	v, err = c.View(context.Background(), "node-1", true)
	require.NoError(t, err)
	assert.Empty(t, v.Master)
	assert.True(t, v.HasBlock(cluster.NoMasterWriteBlock))

	_, err = c.View(context.Background(), "node-2", true)
	assert.Error(t, err)

	_, err = c.View(context.Background(), "node-9", true)
	assert.ErrorIs(t, err, cluster.ErrUnknownNode)
}

func TestWriteStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		disruption bool
		version    int64
	}{
		{"Acked", http.StatusOK, `{"version":3}`, nil, false, 3},
		{"No Master", http.StatusServiceUnavailable, `{"error":"no_master"}`, cluster.ErrNoMaster, true, 0},
		{"Blocked", http.StatusServiceUnavailable, `{"error":"blocked"}`, cluster.ErrBlocked, true, 0},
		{"Replication Timeout", http.StatusGatewayTimeout, ``, cluster.ErrTimeout, true, 0},
		{"Server Error", http.StatusInternalServerError, `boom`, nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mockCluster(t, map[string]http.HandlerFunc{
				"node-0": func(w http.ResponseWriter, r *http.Request) {
					assert.Equal(t, http.MethodPut, r.Method)
					assert.Equal(t, "/docs/doc-1", r.URL.Path)
					assert.Equal(t, "1s", r.URL.Query().Get("timeout"))

					body, _ := io.ReadAll(r.Body)
					assert.Equal(t, `{"a":1}`, string(body))

					w.WriteHeader(tt.status)
					w.Write([]byte(tt.body))
				},
			})

			res, err := c.Write(context.Background(), "node-0", "doc-1", []byte(`{"a":1}`), time.Second)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.status != http.StatusOK:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.version, res.Version)
			}

			assert.Equal(t, tt.disruption, cluster.IsDisruption(err))
		})
	}
}

func TestTransportErrors(t *testing.T) {
	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-1": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		},
	})

	// Point node-0 at a port nothing listens on
	port, err := freePort()
	require.NoError(t, err)
	c.procs.Set("node-0", &process{id: "node-0", port: port})

	_, err = c.Write(context.Background(), "node-0", "x", nil, time.Second)
	assert.ErrorIs(t, err, cluster.ErrConnectRefused)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Write(ctx, "node-1", "x", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, cluster.ErrTimeout)
	assert.True(t, cluster.IsDisruption(err))
}

func TestRead(t *testing.T) {
	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-0": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "_local", r.URL.Query().Get("preference"))

			if r.URL.Path == "/docs/present" {
				w.Write([]byte(`{"found":true,"version":2}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		},
		"node-1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"blocked"}`))
		},
	})

	res, err := c.Read(context.Background(), "node-0", "present", true)
	require.NoError(t, err)
	assert.Equal(t, cluster.ReadResult{Found: true, Version: 2}, res)

	res, err = c.Read(context.Background(), "node-0", "absent", true)
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = c.Read(context.Background(), "node-1", "present", true)
	assert.ErrorIs(t, err, cluster.ErrBlocked)
}

func TestWaitForHealth(t *testing.T) {
	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-0": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "/cluster/health", r.URL.Path)
			assert.Equal(t, "3", q.Get("wait_for_nodes"))
			assert.Equal(t, "30s", q.Get("timeout"))
			assert.Equal(t, "true", q.Get("wait_for_no_relocations"))

			w.Write([]byte(`{"timed_out":false,"status":"green"}`))
		},
		"node-1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusRequestTimeout)
			w.Write([]byte(`{"timed_out":true}`))
		},
	})

	timedOut, err := c.WaitForHealth(context.Background(), "node-0", 3, 30*time.Second, true)
	require.NoError(t, err)
	assert.False(t, timedOut)

	timedOut, err = c.WaitForHealth(context.Background(), "node-1", 3, 30*time.Second, true)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestFaultControl(t *testing.T) {
	var mu sync.Mutex
	var got []string

	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-0": func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)

			mu.Lock()
			defer mu.Unlock()

			switch r.Method {
			case http.MethodPost:
				got = append(got, "add "+gjson.GetBytes(body, "mode").String()+" "+
					gjson.GetBytes(body, "peer").String()+" "+
					gjson.GetBytes(body, "min_delay").String()+" "+
					gjson.GetBytes(body, "max_delay").String())
			case http.MethodDelete:
				got = append(got, "remove "+r.URL.RawQuery)
			}
		},
	})

	ctx := context.Background()
	require.NoError(t, c.Disconnect(ctx, "node-0", "node-1"))
	require.NoError(t, c.Blackhole(ctx, "node-0", "node-2"))
	require.NoError(t, c.Delay(ctx, "node-0", "node-1", 10*time.Millisecond, time.Second))
	require.NoError(t, c.Heal(ctx, "node-0", "node-1"))
	require.NoError(t, c.SlowApply(ctx, "node-0", time.Millisecond, 2*time.Millisecond))
	require.NoError(t, c.RestoreApply(ctx, "node-0"))

	assert.Equal(t, []string{
		"add disconnect node-1  ",
		"add blackhole node-2  ",
		"add delay node-1 10ms 1s",
		"remove peer=node-1",
		"add slow_apply  1ms 2ms",
		"remove mode=slow_apply",
	}, got)

	assert.ErrorIs(t, c.Disconnect(ctx, "node-0", "node-9"), cluster.ErrUnknownNode)
}

func TestAdmin(t *testing.T) {
	var index, settings string

	c := mockCluster(t, map[string]http.HandlerFunc{
		"node-0": func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			switch r.URL.Path {
			case "/indices/test":
				index = string(body)
			case "/cluster/settings":
				settings = gjson.GetBytes(body, "no_master_block").String()
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		},
	})

	ctx := context.Background()
	require.NoError(t, c.CreateIndex(ctx, "test", 3, 2))
	assert.JSONEq(t, `{"shards":3,"replicas":2}`, index)

	require.NoError(t, c.SetNoMasterBlock(ctx, cluster.NoMasterAllBlock))
	assert.Equal(t, "all", settings)

	assert.Error(t, c.SetNoMasterBlock(ctx, cluster.Block("bogus")))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestStartNodesFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"Exits Immediately", "exit 1", "exited during startup"},
		{"Never Listens", "exec sleep 30", "could not connect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			opts.Command = writeScript(t, tt.script)

			c, err := New(opts)
			require.NoError(t, err)

			_, err = c.StartNodes(context.Background(), 3)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			require.NoError(t, c.Close())

			c.procs.Range(func(_ string, p *process) bool {
				select {
				case <-p.done:
				default:
					t.Errorf("%s still running after Close", p.id)
				}
				return true
			})

			_, err = c.StartNodes(context.Background(), 3)
			assert.ErrorIs(t, err, cluster.ErrClosed)
		})
	}
}

func TestNewRequiresCommand(t *testing.T) {
	opts := testOptions(t)
	opts.Command = ""

	_, err := New(opts)
	assert.Error(t, err)
}
