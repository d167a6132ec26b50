package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

// response is a fully read HTTP response.
type response struct {
	status int
	body   string
}

func (r response) json(path string) gjson.Result {
	return gjson.Get(r.body, path)
}

// request sends one request to node. Transport failures are mapped to the
// disruption errors a harness expects while a fault is active.
func (c *Cluster) request(ctx context.Context, node, method, path string, body any) (response, error) {
	p, err := c.process(node)
	if err != nil {
		return response{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return response{}, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+p.addr()+path, reader)
	if err != nil {
		return response{}, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, transportError(node, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, transportError(node, err)
	}

	return response{status: resp.StatusCode, body: string(data)}, nil
}

func transportError(node string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%s: %w: %w", node, cluster.ErrConnectRefused, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", node, cluster.ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w", node, err)
	}
}

// statusError maps an unsuccessful document or state response to an error.
func statusError(node string, r response) error {
	switch r.status {
	case http.StatusServiceUnavailable:
		if r.json("error").String() == "blocked" {
			return fmt.Errorf("%s: %w", node, cluster.ErrBlocked)
		}
		return fmt.Errorf("%s: %w", node, cluster.ErrNoMaster)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w", node, cluster.ErrTimeout)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", node, r.status, r.body)
	}
}

func (c *Cluster) View(ctx context.Context, node string, localOnly bool) (cluster.View, error) {
	r, err := c.request(ctx, node, http.MethodGet, "/cluster/state?local="+strconv.FormatBool(localOnly), nil)
	if err != nil {
		return cluster.View{}, err
	}

	if r.status != http.StatusOK {
		return cluster.View{}, statusError(node, r)
	}

	if !gjson.Valid(r.body) {
		return cluster.View{}, fmt.Errorf("%s: invalid cluster state: %q", node, r.body)
	}

	v := cluster.View{
		Node:               r.json("node").String(),
		Version:            r.json("version").Int(),
		Master:             r.json("master").String(),
		MetadataVersion:    r.json("metadata_version").Int(),
		RoutingFingerprint: r.json("routing").String(),
		Relocating:         int(r.json("relocating").Int()),
	}
	if v.Node == "" {
		v.Node = node
	}

	for _, n := range r.json("nodes").Array() {
		v.Nodes = append(v.Nodes, n.String())
	}

	for _, b := range r.json("blocks").Array() {
		v.Blocks = append(v.Blocks, cluster.Block(b.String()))
	}

	return v, nil
}

func (c *Cluster) Write(ctx context.Context, node, docID string, payload []byte, timeout time.Duration) (cluster.WriteResult, error) {
	path := fmt.Sprintf("/docs/%s?timeout=%s", url.PathEscape(docID), timeout)

	r, err := c.request(ctx, node, http.MethodPut, path, payload)
	if err != nil {
		return cluster.WriteResult{}, err
	}

	if r.status != http.StatusOK && r.status != http.StatusCreated {
		return cluster.WriteResult{}, statusError(node, r)
	}

	version := r.json("version")
	if !version.Exists() {
		return cluster.WriteResult{}, fmt.Errorf("%s: write of %s acknowledged without a version", node, docID)
	}

	return cluster.WriteResult{Version: version.Int()}, nil
}

func (c *Cluster) Read(ctx context.Context, node, docID string, localPreference bool) (cluster.ReadResult, error) {
	path := "/docs/" + url.PathEscape(docID)
	if localPreference {
		path += "?preference=_local"
	}

	r, err := c.request(ctx, node, http.MethodGet, path, nil)
	if err != nil {
		return cluster.ReadResult{}, err
	}

	switch r.status {
	case http.StatusOK:
		return cluster.ReadResult{Found: r.json("found").Bool(), Version: r.json("version").Int()}, nil
	case http.StatusNotFound:
		return cluster.ReadResult{}, nil
	default:
		return cluster.ReadResult{}, statusError(node, r)
	}
}

func (c *Cluster) WaitForHealth(ctx context.Context, via string, nodes int, timeout time.Duration, noRelocations bool) (bool, error) {
	q := url.Values{}
	q.Set("wait_for_nodes", strconv.Itoa(nodes))
	q.Set("timeout", timeout.String())
	q.Set("wait_for_no_relocations", strconv.FormatBool(noRelocations))

	ctx, cancel := context.WithTimeout(ctx, timeout+c.opts.RequestTimeout)
	defer cancel()

	r, err := c.request(ctx, via, http.MethodGet, "/cluster/health?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}

	if r.status != http.StatusOK && r.status != http.StatusRequestTimeout {
		return false, statusError(via, r)
	}

	return r.json("timed_out").Bool(), nil
}

// fault is the body of a fault rule request.
type fault struct {
	Peer     string `json:"peer,omitempty"`
	Mode     string `json:"mode"`
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

func (c *Cluster) control(ctx context.Context, node, method, path string, body any) error {
	r, err := c.request(ctx, node, method, path, body)
	if err != nil {
		return err
	}

	if r.status/100 != 2 {
		return fmt.Errorf("%s %s on %s: status %d: %s", method, path, node, r.status, r.body)
	}

	return nil
}

// addFault installs a rule on from for traffic to and from the peer.
func (c *Cluster) addFault(ctx context.Context, from, to string, f fault) error {
	if _, err := c.process(to); err != nil {
		return err
	}

	f.Peer = to
	return c.control(ctx, from, http.MethodPost, "/cluster/faults", f)
}

func (c *Cluster) Disconnect(ctx context.Context, from, to string) error {
	return c.addFault(ctx, from, to, fault{Mode: "disconnect"})
}

func (c *Cluster) Blackhole(ctx context.Context, from, to string) error {
	return c.addFault(ctx, from, to, fault{Mode: "blackhole"})
}

func (c *Cluster) Delay(ctx context.Context, from, to string, min, max time.Duration) error {
	return c.addFault(ctx, from, to, fault{Mode: "delay", MinDelay: min.String(), MaxDelay: max.String()})
}

func (c *Cluster) Heal(ctx context.Context, from, to string) error {
	if _, err := c.process(to); err != nil {
		return err
	}

	return c.control(ctx, from, http.MethodDelete, "/cluster/faults?peer="+url.QueryEscape(to), nil)
}

func (c *Cluster) SlowApply(ctx context.Context, node string, min, max time.Duration) error {
	return c.control(ctx, node, http.MethodPost, "/cluster/faults", fault{
		Mode:     "slow_apply",
		MinDelay: min.String(),
		MaxDelay: max.String(),
	})
}

func (c *Cluster) RestoreApply(ctx context.Context, node string) error {
	return c.control(ctx, node, http.MethodDelete, "/cluster/faults?mode=slow_apply", nil)
}

// CreateIndex creates an index through the first node.
func (c *Cluster) CreateIndex(ctx context.Context, name string, shards, replicas int) error {
	via, err := c.first()
	if err != nil {
		return err
	}

	return c.control(ctx, via, http.MethodPut, "/indices/"+url.PathEscape(name), map[string]int{
		"shards":   shards,
		"replicas": replicas,
	})
}

// SetNoMasterBlock changes the block level through the first node.
func (c *Cluster) SetNoMasterBlock(ctx context.Context, block cluster.Block) error {
	var level string
	switch block {
	case cluster.NoMasterWriteBlock:
		level = "write"
	case cluster.NoMasterAllBlock:
		level = "all"
	default:
		return fmt.Errorf("unknown no-master block %q", block)
	}

	via, err := c.first()
	if err != nil {
		return err
	}

	return c.control(ctx, via, http.MethodPut, "/cluster/settings", map[string]string{"no_master_block": level})
}

func (c *Cluster) first() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ids) == 0 {
		return "", cluster.ErrNotStarted
	}

	return c.ids[0], nil
}
