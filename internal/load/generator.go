// Package load drives concurrent writers against a cluster and keeps a ledger
// of every write the cluster acknowledged.
package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/logging"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
)

var (
	ErrNoNodes        = errors.New("load: no nodes to write to")
	ErrNotStarted     = errors.New("load: generator not started")
	ErrStopped        = errors.New("load: generator stopped")
	ErrTooManyWrites  = errors.New("load: too many writes per worker")
	ErrNegativeWrites = errors.New("load: negative writes per worker")
	ErrRoundTimeout   = errors.New("load: round timed out")
	ErrUndrained      = errors.New("load: writes from the previous round still running")
	ErrPermitsLeft    = errors.New("load: unconsumed permits from the previous round")
	ErrWorkersStuck   = errors.New("load: workers did not stop")
	ErrDuplicateAck   = errors.New("load: write acknowledged twice")
	ErrAckedWriteLost = errors.New("load: acknowledged write lost")
	ErrUnexpected     = errors.New("load: unexpected failure")
)

// MaxWritesPerWorker caps the permits a single round may grant a worker.
const MaxWritesPerWorker = 64

// Config configures a Generator.
type Config struct {
	// Nodes gets one worker each; a worker only writes through its node.
	Nodes []string
	// RunID prefixes every document id. A random id is used when empty.
	RunID string
	// WriteTimeout bounds a single write.
	WriteTimeout time.Duration
	// Payload is the body of every document.
	Payload []byte
	// Seed drives the order in which workers receive permits.
	Seed uint64

	Logger  logrus.FieldLogger
	Metrics *metrics.Registry
}

type outcome int

const (
	outcomeAcked outcome = iota
	outcomeDisrupted
	outcomeUnexpected
	outcomeAborted
)

func (o outcome) String() string {
	switch o {
	case outcomeAcked:
		return "acked"
	case outcomeDisrupted:
		return "disrupted"
	case outcomeUnexpected:
		return "unexpected"
	default:
		return "aborted"
	}
}

// token is the single completion every write attempt reports.
type token struct {
	outcome outcome
	err     error
}

// RoundResult counts what a round's writes produced.
type RoundResult struct {
	Requested int
	Acked     int
	Disrupted int
	// Late counts writes from an earlier round that finished during drain.
	Late int
}

// Stats summarizes a generator's lifetime.
type Stats struct {
	Acked      int
	Disrupted  int
	Unexpected int
}

// Generator runs one writer per node. Writers wait for permits granted by
// Round and report exactly one token per attempt.
type Generator struct {
	cluster cluster.Cluster
	cfg     Config
	log     logrus.FieldLogger
	ledger  *Ledger
	rnd     *rand.Rand

	permits []chan struct{}
	done    chan token
	stop    chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	disrupted   atomic.Bool
	seq         atomic.Int64
	outstanding int

	mu          sync.Mutex
	disruptions []error
	stats       Stats

	started  bool
	stopOnce sync.Once
	stopped  atomic.Bool
}

// New creates a generator over c. Call Start before the first Round.
func New(c cluster.Cluster, cfg Config) (*Generator, error) {
	if len(cfg.Nodes) == 0 {
		return nil, ErrNoNodes
	}

	if cfg.WriteTimeout <= 0 {
		return nil, fmt.Errorf("load: write timeout must be positive, got %s", cfg.WriteTimeout)
	}

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	g := &Generator{
		cluster: c,
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"component": "load", "run": cfg.RunID}),
		ledger:  NewLedger(),
		rnd:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		done:    make(chan token, len(cfg.Nodes)*MaxWritesPerWorker),
		stop:    make(chan struct{}),
	}

	for range cfg.Nodes {
		g.permits = append(g.permits, make(chan struct{}, MaxWritesPerWorker))
	}

	return g, nil
}

// Start launches the workers. Writes use ctx.
func (g *Generator) Start(ctx context.Context) {
	if g.started {
		return
	}
	g.started = true

	g.ctx, g.cancel = context.WithCancel(ctx)

	for i, node := range g.cfg.Nodes {
		g.wg.Add(1)
		go g.worker(node, g.permits[i])
	}

	g.log.WithField("workers", len(g.cfg.Nodes)).Debug("Load generator started")
}

func (g *Generator) worker(node string, permits <-chan struct{}) {
	defer g.wg.Done()

	for {
		select {
		case <-g.stop:
			return
		case <-permits:
		}

		t := g.write(node)

		select {
		case g.done <- t:
		case <-g.stop:
			return
		}
	}
}

func (g *Generator) write(node string) token {
	id := fmt.Sprintf("%s-%d", g.cfg.RunID, g.seq.Add(1))
	log := g.log.WithFields(logrus.Fields{"node": node, "doc": id})

	wasDisrupted := g.disrupted.Load()

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.WriteTimeout)
	res, err := g.cluster.Write(ctx, node, id, g.cfg.Payload, g.cfg.WriteTimeout)
	cancel()

	var t token
	switch {
	case err == nil:
		if err := g.ledger.Add(id, Ack{Node: node, Version: res.Version}); err != nil {
			t = token{outcomeUnexpected, fmt.Errorf("%w: %w", ErrUnexpected, err)}
		} else {
			t = token{outcome: outcomeAcked}
		}

	case g.ctx.Err() != nil:
		return token{outcome: outcomeAborted}

	case cluster.IsDisruption(err) && (wasDisrupted || g.disrupted.Load()):
		t = token{outcomeDisrupted, fmt.Errorf("write %s via %s: %w", id, node, err)}

	case cluster.IsDisruption(err):
		t = token{outcomeUnexpected, fmt.Errorf("%w: write %s via %s failed after healing: %w", ErrUnexpected, id, node, err)}

	default:
		t = token{outcomeUnexpected, fmt.Errorf("%w: write %s via %s: %w", ErrUnexpected, id, node, err)}
	}

	g.mu.Lock()
	switch t.outcome {
	case outcomeAcked:
		g.stats.Acked++
	case outcomeDisrupted:
		g.stats.Disrupted++
		g.disruptions = append(g.disruptions, t.err)
	case outcomeUnexpected:
		g.stats.Unexpected++
	}
	g.mu.Unlock()

	g.cfg.Metrics.RecordWrite(t.outcome.String())

	if t.err != nil {
		log.WithError(t.err).Debug("Write failed")
	} else {
		log.Trace("Write acknowledged")
	}

	return t
}

// SetDisrupted tells workers whether a fault is active. Disruption-class
// failures outside a fault are reported as unexpected.
func (g *Generator) SetDisrupted(disrupted bool) {
	g.disrupted.Store(disrupted)
}

// RoundTimeout scales a round's budget with the expected heal time of the
// active fault and the number of writes in the round.
func RoundTimeout(base, heal time.Duration, perWorker, workers int) time.Duration {
	return base + heal*time.Duration(perWorker*workers)
}

// Round drains writes left over from the previous round, grants every worker
// perWorker permits in random order and waits for every resulting token.
func (g *Generator) Round(ctx context.Context, perWorker int, timeout time.Duration) (RoundResult, error) {
	var res RoundResult

	switch {
	case !g.started:
		return res, ErrNotStarted
	case g.stopped.Load():
		return res, ErrStopped
	case perWorker < 0:
		return res, fmt.Errorf("%w: %d", ErrNegativeWrites, perWorker)
	case perWorker > MaxWritesPerWorker:
		return res, fmt.Errorf("%w: %d > %d", ErrTooManyWrites, perWorker, MaxWritesPerWorker)
	}

	var errs []error
	collect := func(t token) {
		g.outstanding--
		switch t.outcome {
		case outcomeAcked:
			res.Acked++
		case outcomeDisrupted:
			res.Disrupted++
		case outcomeUnexpected:
			errs = append(errs, t.err)
		}
	}

	if g.outstanding > 0 {
		if err := g.await(ctx, timeout, func(t token) { collect(t); res.Late++ }); err != nil {
			return res, fmt.Errorf("%w: %d left after %s", ErrUndrained, g.outstanding, timeout)
		}
	}

	for i, p := range g.permits {
		if n := len(p); n > 0 {
			return res, fmt.Errorf("%w: %s holds %d", ErrPermitsLeft, g.cfg.Nodes[i], n)
		}
	}

	for _, i := range g.rnd.Perm(len(g.permits)) {
		for range perWorker {
			g.permits[i] <- struct{}{}
		}
	}

	res.Requested = perWorker * len(g.permits)
	g.outstanding = res.Requested

	g.log.WithFields(logrus.Fields{"writes": res.Requested, "timeout": timeout}).Debug("Round started")

	if err := g.await(ctx, timeout, collect); err != nil {
		if errors.Is(err, ErrRoundTimeout) {
			return res, fmt.Errorf("%w: %d of %d writes outstanding after %s", ErrRoundTimeout, g.outstanding, res.Requested, timeout)
		}
		return res, err
	}

	if len(errs) > 0 {
		return res, &UnexpectedError{Errs: errs}
	}

	return res, nil
}

// await consumes tokens until none are outstanding.
func (g *Generator) await(ctx context.Context, timeout time.Duration, fn func(token)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for g.outstanding > 0 {
		select {
		case t := <-g.done:
			fn(t)
		case <-timer.C:
			return ErrRoundTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Stop signals the workers, aborts in-flight writes and waits up to grace
// for them to exit.
func (g *Generator) Stop(grace time.Duration) error {
	if !g.started {
		return nil
	}

	g.stopOnce.Do(func() {
		g.stopped.Store(true)
		close(g.stop)
		g.cancel()
	})

	exited := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		return ErrWorkersStuck
	}
}

// Ledger returns the acknowledged writes.
func (g *Generator) Ledger() *Ledger {
	return g.ledger
}

// Disruptions returns every failure recorded while a fault was active.
func (g *Generator) Disruptions() []error {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.disruptions)
}

// Summary counts every write outcome so far.
func (g *Generator) Summary() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.stats
}
