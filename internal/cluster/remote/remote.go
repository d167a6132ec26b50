// Package remote drives a cluster of real node processes started through a
// run script and reached over HTTP.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/logging"
	"github.com/st3v3nmw/splitcheck/pkg/threadsafe"
)

// Options configures the process cluster.
type Options struct {
	// Command starts one node. It receives --port, --working-dir, --node-id
	// and --seeds.
	Command string
	// WorkingDir is the base directory; each cluster gets a timestamped run
	// directory inside it.
	WorkingDir string

	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds control requests that carry no deadline of their own.
	RequestTimeout time.Duration
	PollInterval   time.Duration

	Logger logrus.FieldLogger
}

var _ cluster.Cluster = (*Cluster)(nil)
var _ cluster.Network = (*Cluster)(nil)
var _ cluster.IndexAdmin = (*Cluster)(nil)
var _ cluster.SettingsAdmin = (*Cluster)(nil)

// Cluster is a set of node processes.
type Cluster struct {
	opts       Options
	log        logrus.FieldLogger
	client     *http.Client
	workingDir string

	procs *threadsafe.Map[string, *process]

	mu      sync.Mutex
	ids     []string
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// FromConfig creates a process cluster from the harness config.
func FromConfig(cfg *config.Config, log logrus.FieldLogger) (cluster.Cluster, error) {
	return New(Options{
		Command:         cfg.Command,
		WorkingDir:      cfg.WorkingDir,
		StartTimeout:    cfg.ProcessStartTimeout,
		ShutdownTimeout: cfg.ProcessShutdownTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		PollInterval:    cfg.PollInterval,
		Logger:          log,
	})
}

// New creates the run directory. No process starts until StartNodes.
func New(opts Options) (*Cluster, error) {
	if opts.Command == "" {
		return nil, errors.New("remote: run command is required")
	}

	timestamp := time.Now().Format("20060102-150405.000")
	workingDir := filepath.Join(opts.WorkingDir, fmt.Sprintf("run-%s", timestamp))
	if err := os.MkdirAll(workingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Cluster{
		opts:       opts,
		log:        log.WithField("component", "remote"),
		client:     &http.Client{},
		workingDir: workingDir,
		procs:      threadsafe.NewMap[string, *process](),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// StartNodes starts n processes that know each other's addresses and waits
// until every one accepts connections.
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
	c.started = true
	c.mu.Unlock()

	procs := make([]*process, n)
	seeds := make([]string, n)
	for i := range n {
		port, err := freePort()
		if err != nil {
			return nil, err
		}

		procs[i] = &process{id: fmt.Sprintf("node-%d", i), port: port}
		seeds[i] = fmt.Sprintf("%s@%s", procs[i].id, procs[i].addr())
	}

	ids := make([]string, n)
	for i, p := range procs {
		if err := c.start(p, strings.Join(seeds, ",")); err != nil {
			return nil, err
		}

		c.procs.Set(p.id, p)
		ids[i] = p.id
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		g.Go(func() error { return c.waitForPort(gctx, p) })
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ids = ids
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"nodes": n, "dir": c.workingDir}).Info("Cluster processes started")
	return ids, nil
}

func (c *Cluster) Network() cluster.Network {
	return c
}

// Close stops every process.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var g errgroup.Group
	c.procs.Range(func(_ string, p *process) bool {
		g.Go(func() error { return c.stop(p) })
		return true
	})

	err := g.Wait()
	c.cancel()

	return err
}

func (c *Cluster) process(id string) (*process, error) {
	p, ok := c.procs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrUnknownNode, id)
	}

	return p, nil
}
