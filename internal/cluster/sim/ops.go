package sim

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

func (c *Cluster) View(ctx context.Context, id string, localOnly bool) (cluster.View, error) {
	c.mu.Lock()
	n, err := c.nodeLocked(id)
	if err != nil {
		c.mu.Unlock()
		return cluster.View{}, err
	}

	if localOnly {
		v := c.viewLocked(n)
		c.mu.Unlock()
		return v, nil
	}

	master := n.applied.master
	c.mu.Unlock()

	if master == "" {
		return cluster.View{}, fmt.Errorf("state via %s: %w", id, cluster.ErrNoMaster)
	}

	if err := c.send(ctx, id, master); err != nil {
		return cluster.View{}, fmt.Errorf("state via %s: %w", id, err)
	}

	c.mu.Lock()
	v := c.viewLocked(c.nodes[master])
	c.mu.Unlock()

	if err := c.send(ctx, master, id); err != nil {
		return cluster.View{}, fmt.Errorf("state via %s: %w", id, err)
	}

	return v, nil
}

func (c *Cluster) viewLocked(n *node) cluster.View {
	st := n.applied

	relocating := 0
	if st.master != "" {
		for _, id := range st.nodes {
			if c.recovering[id] && c.assigned[id] == st.master {
				relocating++
			}
		}
	}

	return cluster.View{
		Node:               n.id,
		Version:            st.version,
		Nodes:              slices.Clone(st.nodes),
		Master:             st.master,
		Blocks:             slices.Clone(st.blocks),
		MetadataVersion:    st.metadataVersion,
		RoutingFingerprint: st.routing,
		Relocating:         relocating,
	}
}

// Write indexes docID on its primary and replicates it to every other member
// before acknowledging. Replicas that miss the write are resynced later.
func (c *Cluster) Write(ctx context.Context, via, docID string, _ []byte, timeout time.Duration) (cluster.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.mu.Lock()
	n, err := c.nodeLocked(via)
	if err != nil {
		c.mu.Unlock()
		return cluster.WriteResult{}, err
	}

	if n.applied.master == "" {
		block := n.applied.noMasterBlock
		c.mu.Unlock()
		return cluster.WriteResult{}, fmt.Errorf("write %s via %s: %w: %s", docID, via, cluster.ErrBlocked, block)
	}

	primary := primaryFor(n.applied, docID)
	c.mu.Unlock()

	if err := c.send(ctx, via, primary); err != nil {
		return cluster.WriteResult{}, fmt.Errorf("write %s via %s: %w", docID, via, err)
	}

	c.mu.Lock()
	p := c.nodes[primary]
	if p.applied.master == "" {
		block := p.applied.noMasterBlock
		c.mu.Unlock()
		return cluster.WriteResult{}, fmt.Errorf("write %s on %s: %w: %s", docID, primary, cluster.ErrBlocked, block)
	}

	version := p.docs[docID] + 1
	p.docs[docID] = version
	master := p.applied.master
	replicas := slices.DeleteFunc(slices.Clone(p.applied.nodes), func(id string) bool { return id == primary })
	c.mu.Unlock()

	for _, r := range replicas {
		err := c.send(ctx, primary, r)

		c.mu.Lock()
		if err != nil {
			// The master pulls the copy from the primary and pushes it on.
			for _, id := range []string{r, primary} {
				if id != master && c.assigned[id] == master {
					c.recovering[id] = true
				}
			}
		} else if c.nodes[r].docs[docID] < version {
			c.nodes[r].docs[docID] = version
		}
		c.mu.Unlock()
	}

	if err := c.send(ctx, primary, via); err != nil {
		return cluster.WriteResult{}, fmt.Errorf("write %s via %s: %w", docID, via, err)
	}

	return cluster.WriteResult{Version: version}, nil
}

func (c *Cluster) Read(ctx context.Context, via, docID string, localPreference bool) (cluster.ReadResult, error) {
	c.mu.Lock()
	n, err := c.nodeLocked(via)
	if err != nil {
		c.mu.Unlock()
		return cluster.ReadResult{}, err
	}

	if n.applied.master == "" && n.applied.noMasterBlock == cluster.NoMasterAllBlock {
		c.mu.Unlock()
		return cluster.ReadResult{}, fmt.Errorf("read %s via %s: %w: %s", docID, via, cluster.ErrBlocked, cluster.NoMasterAllBlock)
	}

	if localPreference {
		v, ok := n.docs[docID]
		c.mu.Unlock()
		return cluster.ReadResult{Found: ok, Version: v}, nil
	}

	if n.applied.master == "" {
		c.mu.Unlock()
		return cluster.ReadResult{}, fmt.Errorf("read %s via %s: %w", docID, via, cluster.ErrNoMaster)
	}

	primary := primaryFor(n.applied, docID)
	c.mu.Unlock()

	if err := c.send(ctx, via, primary); err != nil {
		return cluster.ReadResult{}, fmt.Errorf("read %s via %s: %w", docID, via, err)
	}

	c.mu.Lock()
	v, ok := c.nodes[primary].docs[docID]
	c.mu.Unlock()

	if err := c.send(ctx, primary, via); err != nil {
		return cluster.ReadResult{}, fmt.Errorf("read %s via %s: %w", docID, via, err)
	}

	return cluster.ReadResult{Found: ok, Version: v}, nil
}

func (c *Cluster) WaitForHealth(ctx context.Context, via string, nodes int, timeout time.Duration, noRelocations bool) (bool, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		healthy, err := c.healthy(via, nodes, noRelocations)
		if err != nil {
			return false, err
		}

		if healthy {
			return false, nil
		}

		if !time.Now().Before(deadline) {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// healthy reports whether via's master leads exactly nodes members that have
// all applied its latest state.
func (c *Cluster) healthy(via string, nodes int, noRelocations bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.nodeLocked(via)
	if err != nil {
		return false, err
	}

	master := n.applied.master
	if master == "" {
		return false, nil
	}

	target := c.nodes[master].leading
	if target == nil || len(target.nodes) != nodes || !slices.Contains(target.nodes, via) {
		return false, nil
	}

	for _, id := range target.nodes {
		m := c.nodes[id]
		if m.pending > 0 || m.applied.version != target.version {
			return false, nil
		}

		if noRelocations && c.recovering[id] {
			return false, nil
		}
	}

	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
