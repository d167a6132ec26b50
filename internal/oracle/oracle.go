// Package oracle decides when a cluster has reached a state: it polls node
// views under a time budget and compares views across nodes.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/logging"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
)

var (
	ErrTimeout     = errors.New("oracle: condition not met in time")
	ErrViolated    = errors.New("oracle: condition violated")
	ErrMismatch    = errors.New("oracle: cluster states diverge")
	ErrSplitBrain  = errors.New("oracle: more than one master")
	ErrViewFailed  = errors.New("oracle: view fetch failed")
	ErrInvalidPoll = errors.New("oracle: poll interval must be positive")
)

// pollDivisor bounds the poll interval to a twentieth of the timeout so every
// wait gets at least that many samples.
const pollDivisor = 20

// Config tunes an Oracle.
type Config struct {
	// PollInterval is the longest gap between two polls.
	PollInterval time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Registry
}

// Oracle polls cluster views.
type Oracle struct {
	cluster      cluster.Cluster
	pollInterval time.Duration
	log          logrus.FieldLogger
	metrics      *metrics.Registry
}

// New creates an Oracle over c.
func New(c cluster.Cluster, cfg Config) (*Oracle, error) {
	if cfg.PollInterval <= 0 {
		return nil, ErrInvalidPoll
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Oracle{
		cluster:      c,
		pollInterval: cfg.PollInterval,
		log:          log.WithField("component", "oracle"),
		metrics:      cfg.Metrics,
	}, nil
}

// TimeoutError reports a condition that did not hold before the deadline.
type TimeoutError struct {
	Node     string
	Timeout  time.Duration
	Expected string
	Last     cluster.View
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s did not reach [%s] within %s", e.Node, e.Expected, e.Timeout)
	if e.Last.Node != "" {
		msg += fmt.Sprintf("\n  Last view: %s", e.Last)
	}
	if e.LastErr != nil {
		msg += fmt.Sprintf("\n  Last error: %v", e.LastErr)
	}

	return msg
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// interval returns the poll interval for a wait of timeout.
func (o *Oracle) interval(timeout time.Duration) time.Duration {
	return max(min(o.pollInterval, timeout/pollDivisor), time.Millisecond)
}

// eventually checks that the condition becomes true within the given period.
func eventually(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		if condition() {
			return true
		}

		if !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// consistently checks that the condition is always true for the given period.
func consistently(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if !condition() {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}

	return true
}

// Await polls node's local view until every checker passes or timeout
// elapses. Fetch errors count as "not yet".
func (o *Oracle) Await(ctx context.Context, node string, timeout time.Duration, checkers ...Checker[cluster.View]) (cluster.View, error) {
	deadline := time.Now().Add(timeout)

	var last cluster.View
	var lastErr error
	matched := eventually(ctx, func() bool {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		v, err := o.cluster.View(fetchCtx, node, true)
		if err != nil {
			lastErr = err
			o.metrics.RecordPoll("error")
			return false
		}

		last, lastErr = v, nil
		if !checkAll(v, checkers, nil) {
			o.metrics.RecordPoll("miss")
			return false
		}

		o.metrics.RecordPoll("match")
		return true
	}, timeout, o.interval(timeout))

	if matched {
		return last, nil
	}

	if err := ctx.Err(); err != nil {
		return last, err
	}

	return last, &TimeoutError{
		Node:     node,
		Timeout:  timeout,
		Expected: describe(checkers),
		Last:     last,
		LastErr:  lastErr,
	}
}

// Consistently polls node's local view for the whole window and fails on the
// first view that breaks a checker.
func (o *Oracle) Consistently(ctx context.Context, node string, window time.Duration, checkers ...Checker[cluster.View]) error {
	var violation error
	held := consistently(ctx, func() bool {
		v, err := o.cluster.View(ctx, node, true)
		if err != nil {
			violation = fmt.Errorf("%w: %s: %w", ErrViewFailed, node, err)
			return false
		}

		return checkAll(v, checkers, func(c Checker[cluster.View], actual cluster.View) {
			violation = fmt.Errorf("%w: expected %s\n  Actual view: %s", ErrViolated, c.Expected(), actual)
		})
	}, window, o.interval(window))

	if held {
		return nil
	}

	if violation != nil {
		return violation
	}

	return ctx.Err()
}

// EnsureStableCluster waits until via reports n nodes, an elected master and
// no relocating shards.
func (o *Oracle) EnsureStableCluster(ctx context.Context, n int, via string, timeout time.Duration) (cluster.View, error) {
	log := o.log.WithFields(logrus.Fields{"nodes": n, "via": via, "timeout": timeout})
	log.Debug("Ensuring stable cluster")

	checkers := []Checker[cluster.View]{NodeCount(n), HasMaster(), NoRelocations()}

	timedOut, err := o.cluster.WaitForHealth(ctx, via, n, timeout, true)
	if err != nil {
		return cluster.View{}, fmt.Errorf("health via %s: %w", via, err)
	}

	v, viewErr := o.cluster.View(ctx, via, true)
	if timedOut {
		return v, &TimeoutError{Node: via, Timeout: timeout, Expected: describe(checkers), Last: v, LastErr: viewErr}
	}

	if viewErr != nil {
		return v, fmt.Errorf("%w: %s: %w", ErrViewFailed, via, viewErr)
	}

	var failed error
	checkAll(v, checkers, func(c Checker[cluster.View], actual cluster.View) {
		failed = &TimeoutError{Node: via, Timeout: timeout, Expected: c.Expected(), Last: actual}
	})
	if failed != nil {
		return v, failed
	}

	log.WithField("master", v.Master).Debug("Cluster stable")
	return v, nil
}
