package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

type ruleKind int

const (
	ruleDisconnect ruleKind = iota + 1
	ruleBlackhole
	ruleDelay
)

func (k ruleKind) String() string {
	switch k {
	case ruleDisconnect:
		return "disconnect"
	case ruleBlackhole:
		return "blackhole"
	case ruleDelay:
		return "delay"
	default:
		return "none"
	}
}

type linkRule struct {
	kind     ruleKind
	min, max time.Duration
}

// send delivers one message from -> to, honouring the link rule on the pair.
// It never holds the cluster lock while waiting.
func (c *Cluster) send(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s -> %s: %w", from, to, cluster.ErrTimeout)
	}

	if from == to {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cluster.ErrClosed
	}

	rule, ok := c.links[[2]string{from, to}]
	var delay time.Duration
	if ok && rule.kind == ruleDelay {
		delay = c.jitterLocked(rule.min, rule.max)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	switch rule.kind {
	case ruleDisconnect:
		return fmt.Errorf("%s -> %s: %w", from, to, cluster.ErrConnectRefused)

	case ruleBlackhole:
		<-ctx.Done()
		return fmt.Errorf("%s -> %s: %w", from, to, cluster.ErrTimeout)

	default:
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s -> %s: %w", from, to, cluster.ErrTimeout)
		}
	}
}

func (c *Cluster) setRule(from, to string, rule linkRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range []string{from, to} {
		if _, err := c.nodeLocked(id); err != nil {
			return err
		}
	}

	c.links[[2]string{from, to}] = rule

	c.log.WithFields(logrus.Fields{"from": from, "to": to, "rule": rule.kind}).Debug("Link rule installed")
	return nil
}

func (c *Cluster) Disconnect(_ context.Context, from, to string) error {
	return c.setRule(from, to, linkRule{kind: ruleDisconnect})
}

func (c *Cluster) Blackhole(_ context.Context, from, to string) error {
	return c.setRule(from, to, linkRule{kind: ruleBlackhole})
}

func (c *Cluster) Delay(_ context.Context, from, to string, min, max time.Duration) error {
	if min < 0 || max < min {
		return fmt.Errorf("invalid delay range [%s, %s]", min, max)
	}

	return c.setRule(from, to, linkRule{kind: ruleDelay, min: min, max: max})
}

func (c *Cluster) Heal(_ context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	delete(c.links, [2]string{from, to})
	return nil
}

func (c *Cluster) SlowApply(_ context.Context, node string, min, max time.Duration) error {
	if min < 0 || max < min {
		return fmt.Errorf("invalid delay range [%s, %s]", min, max)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.nodeLocked(node)
	if err != nil {
		return err
	}

	n.slow = &linkRule{kind: ruleDelay, min: min, max: max}
	return nil
}

func (c *Cluster) RestoreApply(_ context.Context, node string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	n, err := c.nodeLocked(node)
	if err != nil {
		return err
	}

	n.slow = nil
	return nil
}
