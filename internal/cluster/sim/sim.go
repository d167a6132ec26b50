// Package sim is an in-process quorum cluster with an injectable network.
//
// Every node holds an applied cluster state and a document store. A failure
// detector pings every ordered pair of nodes on a jittered tick; from the
// resulting reachability the cluster elects at most one master per tick,
// publishes new states, and resyncs documents to nodes that missed writes.
// All messages between nodes pass through send, which honours the link rules
// installed through the Network methods.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/lthibault/jitterbug"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/logging"
)

// Options tune the simulated cluster.
type Options struct {
	// Quorum overrides the n/2+1 default.
	Quorum int

	// Tick is the failure detector interval.
	Tick time.Duration
	// PingTimeout bounds one reachability ping or document resync.
	PingTimeout time.Duration
	// PublishTimeout bounds delivery of one published cluster state.
	PublishTimeout time.Duration

	// Seed drives delay jitter.
	Seed uint64

	Logger logrus.FieldLogger
}

// DefaultOptions returns timings suited to tests.
func DefaultOptions() Options {
	return Options{
		Tick:           20 * time.Millisecond,
		PingTimeout:   250 * time.Millisecond,
		PublishTimeout: time.Second,
	}
}

// FromConfig creates a simulated cluster tuned by the sim section of cfg.
func FromConfig(cfg *config.Config, log logrus.FieldLogger) (cluster.Cluster, error) {
	return New(Options{
		Tick:           cfg.Sim.Tick,
		PingTimeout:   cfg.Sim.PingTimeout,
		PublishTimeout: cfg.Sim.PublishTimeout,
		Seed:           cfg.Seed,
		Logger:         log,
	}), nil
}

var _ cluster.Cluster = (*Cluster)(nil)
var _ cluster.Network = (*Cluster)(nil)
var _ cluster.IndexAdmin = (*Cluster)(nil)
var _ cluster.SettingsAdmin = (*Cluster)(nil)

// Cluster is a simulated quorum cluster.
type Cluster struct {
	opts Options
	log  logrus.FieldLogger

	mu         sync.Mutex
	rnd        *rand.Rand
	nodes      map[string]*node
	ids        []string
	quorum     int
	links      map[[2]string]linkRule
	assigned   map[string]string
	recovering map[string]bool
	started    bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cluster with no nodes. Zero option fields take defaults.
func New(opts Options) *Cluster {
	defaults := DefaultOptions()
	if opts.Tick == 0 {
		opts.Tick = defaults.Tick
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = defaults.PingTimeout
	}
	if opts.PublishTimeout == 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Cluster{
		opts:       opts,
		log:        log.WithField("component", "sim"),
		rnd:        rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5bd1e995)),
		nodes:      make(map[string]*node),
		links:      make(map[[2]string]linkRule),
		assigned:   make(map[string]string),
		recovering: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Cluster) StartNodes(ctx context.Context, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("cannot start %d nodes", n)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, cluster.ErrClosed
	case c.started:
		c.mu.Unlock()
		return nil, cluster.ErrAlreadyStarted
	}

	c.quorum = c.opts.Quorum
	if c.quorum == 0 {
		c.quorum = n/2 + 1
	}

	for i := range n {
		id := fmt.Sprintf("node-%d", i)
		c.ids = append(c.ids, id)
		c.nodes[id] = newNode(id)
	}
	c.started = true
	ids := slices.Clone(c.ids)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"nodes": n, "quorum": c.quorum}).Info("Starting simulated cluster")

	c.wg.Add(1)
	go c.run()

	return ids, nil
}

func (c *Cluster) Network() cluster.Network {
	return c
}

func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// run drives the failure detector until the cluster is closed.
func (c *Cluster) run() {
	defer c.wg.Done()

	ticker := jitterbug.New(c.opts.Tick, &jitterbug.Norm{Stdev: c.opts.Tick / 10})
	defer ticker.Stop()

	c.tick()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Cluster) tick() {
	reach := c.ping()
	c.reconcile(reach)
	c.resync()
}

// ping sends one message each way over every ordered pair.
func (c *Cluster) ping() map[[2]string]bool {
	var mu sync.Mutex
	reach := make(map[[2]string]bool)

	var g errgroup.Group
	for _, a := range c.ids {
		for _, b := range c.ids {
			if a == b {
				continue
			}

			g.Go(func() error {
				ctx, cancel := context.WithTimeout(c.ctx, c.opts.PingTimeout)
				defer cancel()

				ok := c.send(ctx, a, b) == nil

				mu.Lock()
				reach[[2]string{a, b}] = ok
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	return reach
}

// nodeLocked resolves id to a running node.
func (c *Cluster) nodeLocked(id string) (*node, error) {
	switch {
	case c.closed:
		return nil, cluster.ErrClosed
	case !c.started:
		return nil, cluster.ErrNotStarted
	}

	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
	}

	return n, nil
}

// jitterLocked returns a random duration in [min, max].
func (c *Cluster) jitterLocked(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}

	return min + time.Duration(c.rnd.Int64N(int64(max-min)+1))
}
