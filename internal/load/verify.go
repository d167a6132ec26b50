package load

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Loss is one acknowledged write a node does not hold at the acked version.
type Loss struct {
	ID      string
	Node    string
	Ack     Ack
	Found   bool
	Version int64
}

func (l Loss) String() string {
	if !l.Found {
		return fmt.Sprintf("%s missing on %s (acked v%d by %s)", l.ID, l.Node, l.Ack.Version, l.Ack.Node)
	}

	return fmt.Sprintf("%s at v%d on %s (acked v%d by %s)", l.ID, l.Version, l.Node, l.Ack.Version, l.Ack.Node)
}

// LossError lists every lost write found by Verify.
type LossError struct {
	Losses []Loss
	Acked  int
}

func (e *LossError) Error() string {
	return fmt.Sprintf("%d lost copies of %d acknowledged writes, first: %s", len(e.Losses), e.Acked, e.Losses[0])
}

func (e *LossError) Unwrap() error {
	return ErrAckedWriteLost
}

// UnexpectedError collects failures that no active fault explains.
type UnexpectedError struct {
	Errs []error
}

func (e *UnexpectedError) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}

	return fmt.Sprintf("%d unexpected failures, first: %v", len(e.Errs), e.Errs[0])
}

func (e *UnexpectedError) Unwrap() []error {
	return append([]error{ErrUnexpected}, e.Errs...)
}

// Verify reads every acknowledged document from every node, preferring the
// node's local copy, and checks the version matches the ack.
func (g *Generator) Verify(ctx context.Context, nodes []string) error {
	ids := g.ledger.IDs()

	var (
		mu     sync.Mutex
		losses []Loss
	)

	eg, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		eg.Go(func() error {
			for _, id := range ids {
				ack, _ := g.ledger.Get(id)

				res, err := g.cluster.Read(ctx, node, id, true)
				if err != nil {
					return fmt.Errorf("%w: read %s from %s: %w", ErrUnexpected, id, node, err)
				}

				if res.Found && res.Version == ack.Version {
					continue
				}

				mu.Lock()
				losses = append(losses, Loss{ID: id, Node: node, Ack: ack, Found: res.Found, Version: res.Version})
				mu.Unlock()
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return &UnexpectedError{Errs: []error{err}}
	}

	if len(losses) > 0 {
		slices.SortFunc(losses, func(a, b Loss) int {
			return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.Node, b.Node))
		})

		return &LossError{Losses: losses, Acked: len(ids)}
	}

	g.log.WithField("acked", len(ids)).Debug("Acknowledged writes verified")
	return nil
}
