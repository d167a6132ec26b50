package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/disrupt"
	"github.com/st3v3nmw/splitcheck/internal/load"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
	"github.com/st3v3nmw/splitcheck/internal/oracle"
)

// Run is the state of one scenario execution. Helpers that check something
// panic with an error on failure; Suite.Run recovers it and tears down.
type Run struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     *config.Config
	cluster cluster.Cluster
	oracle  *oracle.Oracle
	log     logrus.FieldLogger
	metrics *metrics.Registry
	rnd     *rand.Rand
	id      string

	roster  []string
	schemes []disrupt.Scheme
	active  map[disrupt.Scheme]bool
	load    *load.Generator
}

func newRun(ctx context.Context, name string, env *Env) (*Run, error) {
	id := uuid.NewString()
	log := env.Logger.WithFields(logrus.Fields{"scenario": name, "run": id[:8]})

	c, err := env.NewCluster(env.Config, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}

	o, err := oracle.New(c, oracle.Config{
		PollInterval: env.Config.PollInterval,
		Logger:       log,
		Metrics:      env.Metrics,
	})
	if err != nil {
		c.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	seed := env.Config.Seed

	return &Run{
		ctx:     runCtx,
		cancel:  cancel,
		cfg:     env.Config,
		cluster: c,
		oracle:  o,
		log:     log,
		metrics: env.Metrics,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		id:      id,
		active:  make(map[disrupt.Scheme]bool),
	}, nil
}

// Fatalf aborts the scenario.
func (r *Run) Fatalf(format string, args ...any) {
	panic(fmt.Errorf(format, args...))
}

func (r *Run) must(err error) {
	if err != nil {
		panic(err)
	}
}

func (r *Run) Context() context.Context { return r.ctx }
func (r *Run) Config() *config.Config   { return r.cfg }
func (r *Run) Cluster() cluster.Cluster { return r.cluster }
func (r *Run) Oracle() *oracle.Oracle   { return r.oracle }
func (r *Run) Log() logrus.FieldLogger  { return r.log }
func (r *Run) Rand() *rand.Rand         { return r.rnd }
func (r *Run) Roster() []string         { return slices.Clone(r.roster) }
func (r *Run) Quorum() int              { return disrupt.Quorum(len(r.roster)) }
func (r *Run) Load() *load.Generator    { return r.load }
func (r *Run) Network() cluster.Network { return r.cluster.Network() }
func (r *Run) DocID(name string) string { return r.id + "-" + name }

// StartCluster starts n nodes and waits until they form a stable cluster.
func (r *Run) StartCluster(n int) []string {
	roster, err := r.cluster.StartNodes(r.ctx, n)
	r.must(err)

	r.roster = roster
	r.log.WithField("roster", strings.Join(roster, ",")).Info("Cluster started")

	r.EnsureStable(n, roster[0], r.cfg.StableTimeout)
	return r.Roster()
}

// CreateIndex creates the configured index when the cluster supports it.
func (r *Run) CreateIndex(replicas int) {
	admin, ok := r.cluster.(cluster.IndexAdmin)
	if !ok {
		r.log.Debug("Cluster has no index admin, skipping index creation")
		return
	}

	r.must(admin.CreateIndex(r.ctx, r.cfg.Index, r.cfg.Shards, replicas))
	r.EnsureStable(len(r.roster), r.roster[0], r.cfg.StableTimeout)
}

// SetNoMasterBlock changes the block minority nodes report.
func (r *Run) SetNoMasterBlock(block cluster.Block) {
	admin, ok := r.cluster.(cluster.SettingsAdmin)
	if !ok {
		r.Fatalf("cluster does not support changing the no-master block")
	}

	r.must(admin.SetNoMasterBlock(r.ctx, block))
}

// ConfiguredBlock is the no-master block named by the config.
func (r *Run) ConfiguredBlock() cluster.Block {
	b, err := cluster.NoMasterBlock(r.cfg.NoMasterBlock)
	r.must(err)
	return b
}

// Master waits for via to report a master and returns it.
func (r *Run) Master(via string) string {
	return r.Await(via, r.cfg.OracleTimeout, oracle.HasMaster()).Master
}

// Isolate builds a topology with node alone on the minority side.
func (r *Run) Isolate(node string) *disrupt.Topology {
	t, err := disrupt.Isolate(r.roster, node, r.Quorum())
	r.must(err)
	return t
}

// RandomSplit builds a random topology.
func (r *Run) RandomSplit() *disrupt.Topology {
	t, err := disrupt.RandomSplit(r.roster, r.Quorum(), r.rnd)
	r.must(err)
	return t
}

// RandomPartition binds Disconnect or Unresponsive to topology.
func (r *Run) RandomPartition(topology *disrupt.Topology) disrupt.Scheme {
	return disrupt.RandomPartition(r.Network(), r.roster, topology, r.rnd)
}

// RandomScheme binds any of the fault variants to topology.
func (r *Run) RandomScheme(topology *disrupt.Topology) disrupt.Scheme {
	s, err := disrupt.Random(r.Network(), r.roster, topology, r.rnd, disrupt.Delays{
		Min: r.cfg.MinDelay,
		Max: r.cfg.MaxDelay,
	})
	r.must(err)
	return s
}

// Disrupt starts s and registers it for teardown. Load failures from here
// on are expected disruptions.
func (r *Run) Disrupt(s disrupt.Scheme) {
	r.schemes = append(r.schemes, s)
	r.active[s] = true

	if r.load != nil {
		r.load.SetDisrupted(true)
	}

	r.log.WithField("scheme", s).Info("Starting disruption")
	r.metrics.FaultStarted(string(s.Kind()))
	r.must(s.Start(r.ctx))
}

// Heal stops s. Load failures still count as disruptions until the next
// EnsureStable confirms the cluster recovered.
func (r *Run) Heal(s disrupt.Scheme) {
	r.stopScheme(s)
	r.must(s.Stop(r.ctx))
}

func (r *Run) stopScheme(s disrupt.Scheme) {
	if !r.active[s] {
		return
	}

	delete(r.active, s)
	r.metrics.FaultStopped(string(s.Kind()))
	r.log.WithField("scheme", s).Info("Stopping disruption")
}

// HealTimeout is the reconvergence budget after s stops.
func (r *Run) HealTimeout(s disrupt.Scheme) time.Duration {
	return s.ExpectedTimeToHeal() + r.cfg.HealingOverhead
}

// Await waits until node's local view passes every checker.
func (r *Run) Await(node string, timeout time.Duration, checkers ...oracle.Checker[cluster.View]) cluster.View {
	v, err := r.oracle.Await(r.ctx, node, timeout, checkers...)
	r.must(err)
	return v
}

// Consistently checks that node's local view passes every checker for the
// configured consistency window.
func (r *Run) Consistently(node string, checkers ...oracle.Checker[cluster.View]) {
	r.must(r.oracle.Consistently(r.ctx, node, r.cfg.ConsistencyWindow, checkers...))
}

// EnsureStable waits until via reports a healthy cluster of n nodes.
func (r *Run) EnsureStable(n int, via string, timeout time.Duration) cluster.View {
	v, err := r.oracle.EnsureStableCluster(r.ctx, n, via, timeout)
	r.must(err)

	if len(r.active) == 0 && r.load != nil {
		r.load.SetDisrupted(false)
	}

	return v
}

// Verify checks that every node reports the same cluster state.
func (r *Run) Verify() {
	r.must(r.oracle.Verify(r.ctx, r.roster))
}

// SingleMaster checks that nodes name at most one master between them.
func (r *Run) SingleMaster(nodes ...string) {
	views, err := r.oracle.Views(r.ctx, nodes)
	r.must(err)
	r.must(oracle.SingleMaster(views))
}

// Write writes one document through node.
func (r *Run) Write(node, docID string) cluster.WriteResult {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
	defer cancel()

	res, err := r.cluster.Write(ctx, node, docID, []byte(`{"by":"splitcheck"}`), r.cfg.WriteTimeout)
	if err != nil {
		r.Fatalf("write %s via %s: %w", docID, node, err)
	}

	return res
}

// Read reads node's local copy of one document.
func (r *Run) Read(node, docID string) cluster.ReadResult {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RequestTimeout)
	defer cancel()

	res, err := r.cluster.Read(ctx, node, docID, true)
	if err != nil {
		r.Fatalf("read %s from %s: %w", docID, node, err)
	}

	return res
}

// StartLoad starts one writer per roster node.
func (r *Run) StartLoad() *load.Generator {
	if r.load != nil {
		return r.load
	}

	g, err := load.New(r.cluster, load.Config{
		Nodes:        r.roster,
		RunID:        r.id,
		WriteTimeout: r.cfg.WriteTimeout,
		Payload:      []byte(`{"by":"splitcheck"}`),
		Seed:         r.rnd.Uint64(),
		Logger:       r.log,
		Metrics:      r.metrics,
	})
	r.must(err)

	g.SetDisrupted(len(r.active) > 0)
	g.Start(r.ctx)

	r.load = g
	return g
}

// Round runs one load round of perWorker writes per node.
func (r *Run) Round(perWorker int, timeout time.Duration) load.RoundResult {
	if r.load == nil {
		r.Fatalf("load generator not started")
	}

	res, err := r.load.Round(r.ctx, perWorker, timeout)
	r.must(err)

	r.log.WithFields(logrus.Fields{
		"writes":    res.Requested,
		"acked":     res.Acked,
		"disrupted": res.Disrupted,
	}).Info("Round finished")

	return res
}

// VerifyLedger reads every acknowledged write back from every node.
func (r *Run) VerifyLedger() {
	if r.load == nil {
		return
	}

	r.must(r.load.Verify(r.ctx, r.roster))
}

// teardown stops every registered scheme, the load generator and the
// cluster. It never panics.
func (r *Run) teardown() error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.cfg.TeardownGrace)
	defer cancel()

	for _, s := range slices.Backward(r.schemes) {
		r.stopScheme(s)
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s, err))
		}
	}

	if r.load != nil {
		if err := r.load.Stop(r.cfg.TeardownGrace); err != nil {
			errs = append(errs, err)
		}
	}

	r.cancel()

	if err := r.cluster.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cluster: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		r.log.WithError(err).Warn("Teardown incomplete")
	}

	return err
}
