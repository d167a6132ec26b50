package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

type index struct {
	shards   int
	replicas int
}

// clusterState is immutable once published; slices and maps are shared.
type clusterState struct {
	version         int64
	master          string
	nodes           []string
	blocks          []cluster.Block
	metadataVersion int64
	indices         map[string]index
	noMasterBlock   cluster.Block
	routing         string
}

type node struct {
	id      string
	applied clusterState
	// leading is the latest state this node published as master.
	leading *clusterState
	pending int
	slow    *linkRule
	docs    map[string]int64
}

func newNode(id string) *node {
	return &node{
		id: id,
		applied: clusterState{
			nodes:         []string{id},
			blocks:        []cluster.Block{cluster.NoMasterWriteBlock},
			noMasterBlock: cluster.NoMasterWriteBlock,
		},
		docs: make(map[string]int64),
	}
}

// reconcile elects masters and publishes states from one round of pings.
// Previous masters claim followers first, and a node needs quorum among
// still-unclaimed nodes to lead, so two masters can never coexist.
func (c *Cluster) reconcile(reach map[[2]string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	connected := func(a, b string) bool {
		return a == b || (reach[[2]string{a, b}] && reach[[2]string{b, a}])
	}

	order := slices.Clone(c.ids)
	slices.SortStableFunc(order, func(a, b string) int {
		la, lb := c.nodes[a].leading != nil, c.nodes[b].leading != nil
		switch {
		case la && !lb:
			return -1
		case lb && !la:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})

	assigned := make(map[string]string)
	groups := make(map[string][]string)
	var leaders []string
	for _, cand := range order {
		if assigned[cand] != "" {
			continue
		}

		group := []string{cand}
		for _, id := range c.ids {
			if id != cand && assigned[id] == "" && connected(cand, id) {
				group = append(group, id)
			}
		}

		if len(group) < c.quorum {
			continue
		}

		slices.Sort(group)
		for _, id := range group {
			assigned[id] = cand
		}
		groups[cand] = group
		leaders = append(leaders, cand)
	}

	c.assigned = assigned

	for _, id := range c.ids {
		if assigned[id] == "" {
			c.stepDownLocked(c.nodes[id])
		}
	}

	for id := range c.recovering {
		if assigned[id] == "" {
			delete(c.recovering, id)
		}
	}

	for _, leader := range leaders {
		c.leadLocked(c.nodes[leader], groups[leader])
	}
}

// stepDownLocked moves n to a masterless state carrying the no-master block.
func (c *Cluster) stepDownLocked(n *node) {
	wasLeading := n.leading != nil
	n.leading = nil

	st := n.applied
	if st.master == "" && !wasLeading {
		return
	}

	c.log.WithFields(logrus.Fields{"node": n.id, "master": st.master}).Info("Lost master")

	st.master = ""
	st.nodes = []string{n.id}
	st.blocks = []cluster.Block{st.noMasterBlock}
	st.routing = ""
	n.applied = st
}

// leadLocked publishes a new state when the leader's membership changed,
// and republishes to followers that lag behind.
func (c *Cluster) leadLocked(leader *node, group []string) {
	prev := leader.leading
	if prev != nil && slices.Equal(prev.nodes, group) {
		for _, id := range group {
			m := c.nodes[id]
			if m.pending == 0 && m.applied.version < prev.version {
				c.deliverLocked(leader.id, id, *prev)
			}
		}
		return
	}

	base := leader.applied
	if prev != nil {
		base = *prev
	}

	version := base.version
	for _, id := range group {
		st := c.nodes[id].applied
		version = max(version, st.version)
		if st.metadataVersion > base.metadataVersion {
			base.metadataVersion = st.metadataVersion
			base.indices = st.indices
			base.noMasterBlock = st.noMasterBlock
		}
	}

	next := clusterState{
		version:         version + 1,
		master:          leader.id,
		nodes:           group,
		metadataVersion: base.metadataVersion,
		indices:         base.indices,
		noMasterBlock:   base.noMasterBlock,
		routing:         routingFor(base.indices, group),
	}

	for _, id := range group {
		if id == leader.id {
			continue
		}
		if prev == nil || !slices.Contains(prev.nodes, id) {
			c.recovering[id] = true
		}
	}

	if prev == nil {
		c.log.WithFields(logrus.Fields{"master": leader.id, "nodes": group}).Info("Elected master")
	}

	c.publishLocked(leader, next)
}

func (c *Cluster) publishLocked(leader *node, st clusterState) {
	leader.leading = &st

	c.log.WithFields(logrus.Fields{
		"master":  leader.id,
		"version": st.version,
		"nodes":   st.nodes,
	}).Debug("Publishing cluster state")

	for _, id := range st.nodes {
		c.deliverLocked(leader.id, id, st)
	}
}

func (c *Cluster) deliverLocked(from, to string, st clusterState) {
	c.nodes[to].pending++
	c.wg.Add(1)
	go c.deliver(from, to, st)
}

// deliver sends st to a follower, waits out any slow-apply rule and applies
// it if it is still newer and from the follower's current master.
func (c *Cluster) deliver(from, to string, st clusterState) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PublishTimeout)
	defer cancel()

	err := c.send(ctx, from, to)
	if err == nil {
		c.mu.Lock()
		var delay time.Duration
		if slow := c.nodes[to].slow; slow != nil {
			delay = c.jitterLocked(slow.min, slow.max)
		}
		c.mu.Unlock()

		if delay > 0 {
			err = sleep(c.ctx, delay)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[to]
	n.pending--

	if err != nil || c.closed {
		return
	}

	if c.assigned[to] != from || st.version <= n.applied.version {
		return
	}

	n.applied = st
}

// resync exchanges documents between each recovering follower and its master.
func (c *Cluster) resync() {
	type pair struct{ leader, follower string }

	c.mu.Lock()
	var work []pair
	for _, id := range slices.Sorted(maps.Keys(c.recovering)) {
		if leader := c.assigned[id]; leader != "" {
			work = append(work, pair{leader, id})
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, w := range work {
		g.Go(func() error {
			c.sync(w.leader, w.follower)
			return nil
		})
	}
	g.Wait()
}

func (c *Cluster) sync(leader, follower string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PingTimeout)
	defer cancel()

	if c.send(ctx, leader, follower) != nil || c.send(ctx, follower, leader) != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.assigned[follower] != leader {
		return
	}

	l, f := c.nodes[leader], c.nodes[follower]
	gained := mergeDocs(l.docs, f.docs)
	mergeDocs(f.docs, l.docs)
	delete(c.recovering, follower)

	if gained && l.leading != nil {
		for _, id := range l.leading.nodes {
			if id != leader && id != follower {
				c.recovering[id] = true
			}
		}
	}
}

// mergeDocs copies newer versions from src into dst and reports whether
// dst changed.
func mergeDocs(dst, src map[string]int64) bool {
	changed := false
	for id, v := range src {
		if v > dst[id] {
			dst[id] = v
			changed = true
		}
	}

	return changed
}

// updateMetadataLocked applies fn to the current master's state and
// publishes the result.
func (c *Cluster) updateMetadataLocked(fn func(*clusterState)) error {
	for _, id := range c.ids {
		n := c.nodes[id]
		if n.leading == nil {
			continue
		}

		next := *n.leading
		next.indices = maps.Clone(next.indices)
		if next.indices == nil {
			next.indices = make(map[string]index)
		}

		fn(&next)
		next.version++
		next.metadataVersion++
		next.routing = routingFor(next.indices, next.nodes)

		c.publishLocked(n, next)
		return nil
	}

	return cluster.ErrNoMaster
}

func (c *Cluster) CreateIndex(_ context.Context, name string, shards, replicas int) error {
	if shards < 1 || replicas < 0 {
		return fmt.Errorf("invalid index layout: %d shards, %d replicas", shards, replicas)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.closed {
		return cluster.ErrNotStarted
	}

	return c.updateMetadataLocked(func(st *clusterState) {
		st.indices[name] = index{shards: shards, replicas: replicas}
	})
}

func (c *Cluster) SetNoMasterBlock(_ context.Context, block cluster.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.closed {
		return cluster.ErrNotStarted
	}

	return c.updateMetadataLocked(func(st *clusterState) {
		st.noMasterBlock = block
	})
}

// routingFor lays shards out round-robin over the sorted members.
func routingFor(indices map[string]index, nodes []string) string {
	if len(nodes) == 0 {
		return ""
	}

	var b strings.Builder
	for _, name := range slices.Sorted(maps.Keys(indices)) {
		idx := indices[name]
		for s := range idx.shards {
			copies := min(idx.replicas+1, len(nodes))
			owners := make([]string, copies)
			for r := range copies {
				owners[r] = nodes[(s+r)%len(nodes)]
			}
			fmt.Fprintf(&b, "%s/%d=%s;", name, s, strings.Join(owners, "+"))
		}
	}

	return b.String()
}

// primaryFor returns the node holding the primary copy of docID under st.
func primaryFor(st clusterState, docID string) string {
	shards := 1
	if names := slices.Sorted(maps.Keys(st.indices)); len(names) > 0 {
		shards = st.indices[names[0]].shards
	}

	h := fnv.New32a()
	h.Write([]byte(docID))
	shard := int(h.Sum32() % uint32(shards))

	return st.nodes[shard%len(st.nodes)]
}
