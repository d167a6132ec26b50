// Package cluster describes the surface splitcheck needs from a cluster under
// test. Implementations live in the sim and remote subpackages.
package cluster

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Block is a cluster-level restriction reported in a node's view.
type Block string

const (
	// NoMasterWriteBlock rejects writes while a node has no master.
	NoMasterWriteBlock Block = "no-master-write"
	// NoMasterAllBlock rejects reads and writes while a node has no master.
	NoMasterAllBlock Block = "no-master-all"
)

// NoMasterBlock maps a configured block level ("write" or "all") to the
// block a masterless node reports.
func NoMasterBlock(level string) (Block, error) {
	switch level {
	case "", "write":
		return NoMasterWriteBlock, nil
	case "all":
		return NoMasterAllBlock, nil
	default:
		return "", fmt.Errorf("unknown no-master block level %q", level)
	}
}

// View is a snapshot of the cluster state as seen by one node.
type View struct {
	Node               string   `json:"node"`
	Version            int64    `json:"version"`
	Nodes              []string `json:"nodes"`
	Master             string   `json:"master"`
	Blocks             []Block  `json:"blocks"`
	MetadataVersion    int64    `json:"metadata_version"`
	RoutingFingerprint string   `json:"routing"`
	Relocating         int      `json:"relocating"`
}

// HasBlock reports whether the view carries b.
func (v View) HasBlock(b Block) bool {
	return slices.Contains(v.Blocks, b)
}

func (v View) String() string {
	master := v.Master
	if master == "" {
		master = "<none>"
	}

	return fmt.Sprintf("%s: version=%d master=%s nodes=[%s] blocks=%v metadata=%d relocating=%d",
		v.Node, v.Version, master, strings.Join(v.Nodes, ","), v.Blocks, v.MetadataVersion, v.Relocating)
}

// WriteResult is the acknowledgement of a successful write.
type WriteResult struct {
	Version int64
}

// ReadResult is the outcome of a document read.
type ReadResult struct {
	Found   bool
	Version int64
}

// Cluster is the cluster under test.
type Cluster interface {
	// StartNodes boots n nodes and returns their ids.
	StartNodes(ctx context.Context, n int) ([]string, error)
	// View fetches the cluster state from node. With localOnly the node
	// answers from its own applied state without consulting a master.
	View(ctx context.Context, node string, localOnly bool) (View, error)
	// Write indexes a document through node.
	Write(ctx context.Context, node, docID string, payload []byte, timeout time.Duration) (WriteResult, error)
	// Read fetches a document through node. With localPreference the node
	// serves the read from its own copy.
	Read(ctx context.Context, node, docID string, localPreference bool) (ReadResult, error)
	// WaitForHealth blocks until the cluster reports nodes members via the
	// given node, optionally with no relocating shards, or timeout passes.
	WaitForHealth(ctx context.Context, via string, nodes int, timeout time.Duration, noRelocations bool) (timedOut bool, err error)
	// Network returns the fault injection surface.
	Network() Network
	// Close stops all nodes.
	Close() error
}

// Network injects and removes faults. Link rules apply to the ordered pair
// (from, to); a later rule on the same pair replaces the earlier one.
type Network interface {
	// Disconnect makes every message from -> to fail immediately.
	Disconnect(ctx context.Context, from, to string) error
	// Blackhole makes every message from -> to vanish without reply.
	Blackhole(ctx context.Context, from, to string) error
	// Delay holds every message from -> to for a random duration in [min, max].
	Delay(ctx context.Context, from, to string, min, max time.Duration) error
	// Heal removes any rule on from -> to.
	Heal(ctx context.Context, from, to string) error
	// SlowApply delays node's application of published cluster states.
	SlowApply(ctx context.Context, node string, min, max time.Duration) error
	// RestoreApply removes any SlowApply rule on node.
	RestoreApply(ctx context.Context, node string) error
}

// IndexAdmin is implemented by clusters that need an index before writes.
type IndexAdmin interface {
	CreateIndex(ctx context.Context, name string, shards, replicas int) error
}

// SettingsAdmin is implemented by clusters whose no-master block level can
// be changed at runtime.
type SettingsAdmin interface {
	SetNoMasterBlock(ctx context.Context, block Block) error
}
