// Package disrupt injects network faults between groups of nodes.
package disrupt

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

var (
	ErrSchemeStopped  = errors.New("disrupt: scheme already stopped")
	ErrRosterTooSmall = errors.New("disrupt: roster too small for quorum")
	ErrInvalidQuorum  = errors.New("disrupt: invalid quorum")
	ErrUnknownNode    = errors.New("disrupt: node not in roster")
	ErrInvalidDelay   = errors.New("disrupt: invalid delay range")
)

// Kind names a fault variant.
type Kind string

const (
	KindDisconnect          Kind = "disconnect"
	KindUnresponsive        Kind = "unresponsive"
	KindDelayedDelivery     Kind = "delayed-delivery"
	KindSlowStateProcessing Kind = "slow-state-processing"
)

// Scheme is a single-use fault. Start injects it, Stop removes it.
type Scheme interface {
	Kind() Kind
	// Start injects the fault. Calling it again while active is a no-op;
	// calling it after Stop returns ErrSchemeStopped.
	Start(ctx context.Context) error
	// Stop removes every rule the scheme may have installed. It is safe to
	// call repeatedly and after a failed Start.
	Stop(ctx context.Context) error
	// ExpectedTimeToHeal is how long message delivery may stay degraded
	// after Stop returns.
	ExpectedTimeToHeal() time.Duration
	String() string
}

type phase int

const (
	phaseNew phase = iota
	phaseActive
	phaseStopped
)

// lifecycle enforces the constructed -> started -> stopped progression.
type lifecycle struct {
	mu    sync.Mutex
	phase phase
}

// begin reports whether the caller should inject the fault.
func (l *lifecycle) begin() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.phase {
	case phaseActive:
		return false, nil
	case phaseStopped:
		return false, ErrSchemeStopped
	}

	l.phase = phaseActive
	return true, nil
}

// end reports whether the caller should remove the fault.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	wasActive := l.phase == phaseActive
	l.phase = phaseStopped
	return wasActive
}

// linkFault applies one rule to a set of ordered pairs.
type linkFault struct {
	lifecycle

	net      cluster.Network
	topology *Topology
	pairs    [][2]string
	apply    func(ctx context.Context, from, to string) error
}

func (f *linkFault) init(net cluster.Network, roster []string, topology *Topology, apply func(ctx context.Context, from, to string) error) {
	f.net = net
	f.topology = topology
	f.apply = apply

	f.pairs = allPairs(roster)
	if topology != nil {
		f.pairs = topology.CrossPairs()
	}
}

func (f *linkFault) Start(ctx context.Context) error {
	ok, err := f.begin()
	if !ok {
		return err
	}

	for _, p := range f.pairs {
		if err := f.apply(ctx, p[0], p[1]); err != nil {
			return fmt.Errorf("inject %s -> %s: %w", p[0], p[1], err)
		}
	}

	return nil
}

func (f *linkFault) Stop(ctx context.Context) error {
	if !f.end() {
		return nil
	}

	var errs []error
	for _, p := range f.pairs {
		if err := f.net.Heal(ctx, p[0], p[1]); err != nil {
			errs = append(errs, fmt.Errorf("heal %s -> %s: %w", p[0], p[1], err))
		}
	}

	return errors.Join(errs...)
}

func (f *linkFault) describe(kind Kind) string {
	if f.topology == nil {
		return fmt.Sprintf("%s[all]", kind)
	}

	return fmt.Sprintf("%s[%s]", kind, f.topology)
}

// Disconnect refuses every message crossing the partition.
type Disconnect struct {
	linkFault
}

// NewDisconnect builds a Disconnect over topology, or over every pair of
// roster nodes when topology is nil.
func NewDisconnect(net cluster.Network, roster []string, topology *Topology) *Disconnect {
	d := &Disconnect{}
	d.init(net, roster, topology, net.Disconnect)
	return d
}

func (d *Disconnect) Kind() Kind                        { return KindDisconnect }
func (d *Disconnect) ExpectedTimeToHeal() time.Duration { return 0 }
func (d *Disconnect) String() string                    { return d.describe(KindDisconnect) }

// Unresponsive swallows every message crossing the partition.
type Unresponsive struct {
	linkFault
}

func NewUnresponsive(net cluster.Network, roster []string, topology *Topology) *Unresponsive {
	u := &Unresponsive{}
	u.init(net, roster, topology, net.Blackhole)
	return u
}

func (u *Unresponsive) Kind() Kind                        { return KindUnresponsive }
func (u *Unresponsive) ExpectedTimeToHeal() time.Duration { return 0 }
func (u *Unresponsive) String() string                    { return u.describe(KindUnresponsive) }

// DelayedDelivery holds every message crossing the partition for a random
// duration. Messages are never lost.
type DelayedDelivery struct {
	linkFault

	min, max time.Duration
}

func NewDelayedDelivery(net cluster.Network, roster []string, topology *Topology, min, max time.Duration) (*DelayedDelivery, error) {
	if err := checkDelays(min, max); err != nil {
		return nil, err
	}

	d := &DelayedDelivery{min: min, max: max}
	d.init(net, roster, topology, func(ctx context.Context, from, to string) error {
		return net.Delay(ctx, from, to, min, max)
	})
	return d, nil
}

func (d *DelayedDelivery) Kind() Kind                        { return KindDelayedDelivery }
func (d *DelayedDelivery) ExpectedTimeToHeal() time.Duration { return d.max }

func (d *DelayedDelivery) String() string {
	return fmt.Sprintf("%s(%s-%s)", d.describe(KindDelayedDelivery), d.min, d.max)
}

// SlowStateProcessing delays one node's application of published cluster
// states.
type SlowStateProcessing struct {
	lifecycle

	net      cluster.Network
	node     string
	min, max time.Duration
}

func NewSlowStateProcessing(net cluster.Network, node string, min, max time.Duration) (*SlowStateProcessing, error) {
	if err := checkDelays(min, max); err != nil {
		return nil, err
	}

	return &SlowStateProcessing{net: net, node: node, min: min, max: max}, nil
}

func (s *SlowStateProcessing) Start(ctx context.Context) error {
	ok, err := s.begin()
	if !ok {
		return err
	}

	if err := s.net.SlowApply(ctx, s.node, s.min, s.max); err != nil {
		return fmt.Errorf("slow %s: %w", s.node, err)
	}

	return nil
}

func (s *SlowStateProcessing) Stop(ctx context.Context) error {
	if !s.end() {
		return nil
	}

	if err := s.net.RestoreApply(ctx, s.node); err != nil {
		return fmt.Errorf("restore %s: %w", s.node, err)
	}

	return nil
}

// Node returns the slowed node.
func (s *SlowStateProcessing) Node() string                      { return s.node }
func (s *SlowStateProcessing) Kind() Kind                        { return KindSlowStateProcessing }
func (s *SlowStateProcessing) ExpectedTimeToHeal() time.Duration { return s.max }

func (s *SlowStateProcessing) String() string {
	return fmt.Sprintf("%s[%s](%s-%s)", KindSlowStateProcessing, s.node, s.min, s.max)
}

func checkDelays(min, max time.Duration) error {
	if min < 0 || max < min {
		return fmt.Errorf("%w: [%s, %s]", ErrInvalidDelay, min, max)
	}

	return nil
}

// Delays bounds the random delay of the delaying variants.
type Delays struct {
	Min time.Duration
	Max time.Duration
}

// Random picks one of the four fault variants. The slow variant targets a
// random roster node.
func Random(net cluster.Network, roster []string, topology *Topology, rnd *rand.Rand, delays Delays) (Scheme, error) {
	switch rnd.IntN(4) {
	case 0:
		return NewDisconnect(net, roster, topology), nil
	case 1:
		return NewUnresponsive(net, roster, topology), nil
	case 2:
		return NewDelayedDelivery(net, roster, topology, delays.Min, delays.Max)
	default:
		node := roster[rnd.IntN(len(roster))]
		return NewSlowStateProcessing(net, node, delays.Min, delays.Max)
	}
}

// RandomPartition picks between Disconnect and Unresponsive.
func RandomPartition(net cluster.Network, roster []string, topology *Topology, rnd *rand.Rand) Scheme {
	if rnd.IntN(2) == 0 {
		return NewDisconnect(net, roster, topology)
	}

	return NewUnresponsive(net, roster, topology)
}
