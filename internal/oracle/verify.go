package oracle

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
)

// MismatchError reports the first field on which two nodes disagree.
type MismatchError struct {
	Field string
	First cluster.View
	Other cluster.View
	Diff  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s and %s disagree on %s\n  %s\n  %s\n%s",
		e.First.Node, e.Other.Node, e.Field, e.First, e.Other, e.Diff)
}

func (e *MismatchError) Unwrap() []error {
	errs := []error{ErrMismatch}
	if e.Field == "master" && e.First.Master != "" && e.Other.Master != "" {
		errs = append(errs, ErrSplitBrain)
	}

	return errs
}

// Views fetches the local view of every node concurrently.
func (o *Oracle) Views(ctx context.Context, nodes []string) ([]cluster.View, error) {
	views := make([]cluster.View, len(nodes))

	g, ctx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		g.Go(func() error {
			v, err := o.cluster.View(ctx, node, true)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrViewFailed, node, err)
			}

			views[i] = v
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return views, nil
}

// Verify checks that every node reports the same cluster state.
func (o *Oracle) Verify(ctx context.Context, nodes []string) error {
	views, err := o.Views(ctx, nodes)
	if err != nil {
		return err
	}

	if err := Converged(views); err != nil {
		return err
	}

	if len(views) > 0 {
		o.log.WithField("version", views[0].Version).Debug("Cluster state converged")
	}

	return nil
}

// Converged compares every view against the first one.
func Converged(views []cluster.View) error {
	if len(views) < 2 {
		return nil
	}

	first := views[0]
	for _, other := range views[1:] {
		field := ""
		switch {
		case first.Version != other.Version:
			field = "version"
		case len(first.Nodes) != len(other.Nodes):
			field = "node count"
		case first.Master != other.Master:
			field = "master"
		case first.MetadataVersion != other.MetadataVersion:
			field = "metadata version"
		case first.RoutingFingerprint != other.RoutingFingerprint:
			field = "routing"
		default:
			continue
		}

		return &MismatchError{
			Field: field,
			First: first,
			Other: other,
			Diff:  cmp.Diff(first, other),
		}
	}

	return nil
}

// SingleMaster fails if views name more than one distinct master.
func SingleMaster(views []cluster.View) error {
	var master string
	var seen cluster.View
	for _, v := range views {
		if v.Master == "" {
			continue
		}

		if master == "" {
			master, seen = v.Master, v
			continue
		}

		if v.Master != master {
			return fmt.Errorf("%w: %s follows %s, %s follows %s",
				ErrSplitBrain, seen.Node, master, v.Node, v.Master)
		}
	}

	return nil
}
