package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/splitcheck/internal/cluster"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/logging"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
)

var (
	green     = color.New(color.FgGreen).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
	checkMark = green("✓")
	crossMark = red("✗")
)

// Factory creates the cluster a run works against.
type Factory func(cfg *config.Config, log logrus.FieldLogger) (cluster.Cluster, error)

// Env carries what every run of every scenario shares.
type Env struct {
	Config     *config.Config
	NewCluster Factory
	Logger     logrus.FieldLogger
	Metrics    *metrics.Registry
	Out        io.Writer
	Verbose    bool
}

// Suite is a scenario: a setup step followed by named steps run in order
// against one cluster.
type Suite struct {
	setupFn func(*Run)
	steps   []Step
}

// Step is one named check of a scenario.
type Step struct {
	Name string
	Fn   func(*Run)
}

// New creates an empty scenario.
func New() *Suite {
	return &Suite{steps: make([]Step, 0)}
}

// Setup sets the function that prepares the cluster.
func (s *Suite) Setup(fn func(*Run)) *Suite {
	s.setupFn = fn
	return s
}

// Test adds a step.
func (s *Suite) Test(name string, fn func(*Run)) *Suite {
	s.steps = append(s.steps, Step{Name: name, Fn: fn})
	return s
}

// Run executes the scenario, stopping at the first failing step, and prints
// a report. Teardown runs on every exit path.
func (s *Suite) Run(ctx context.Context, name string, env *Env) bool {
	out := env.Out
	if out == nil {
		out = os.Stdout
	}

	if env.Logger == nil {
		env.Logger = logging.Discard()
	}

	start := time.Now()
	passed := s.run(ctx, name, env, out)
	env.Metrics.RecordScenario(name, passed, time.Since(start))

	if passed {
		fmt.Fprintf(out, "\n%s %s\n", bold("PASSED"), checkMark)
	} else {
		fmt.Fprintf(out, "\n%s %s\n", bold("FAILED"), crossMark)
	}

	return passed
}

func (s *Suite) run(ctx context.Context, name string, env *Env, out io.Writer) bool {
	r, err := newRun(ctx, name, env)
	if err != nil {
		fmt.Fprintf(out, "%s %s\n", crossMark, "SETUP")
		fmt.Fprintf(out, "\n%s\n", indent(err.Error()))
		return false
	}

	failed := false
	defer func() {
		if err := r.teardown(); err != nil {
			fmt.Fprintf(out, "%s %s\n", yellow("!"), "TEARDOWN")
			fmt.Fprintf(out, "\n%s\n", indent(err.Error()))
		}

		if env.Verbose {
			r.report(out)
		}
	}()

	step := func(label string, fn func(*Run)) {
		defer func() {
			if err := recover(); err != nil {
				failed = true

				fmt.Fprintf(out, "%s %s\n", crossMark, label)
				fmt.Fprintf(out, "\n%s\n", indent(fmt.Sprint(err)))
				r.log.WithField("step", label).Errorf("Step failed: %v", err)
			}
		}()

		r.log.WithField("step", label).Debug("Running step")
		fn(r)
	}

	if s.setupFn != nil {
		step("SETUP", s.setupFn)
	}

	for _, st := range s.steps {
		if failed {
			break
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "%s %s\n", crossMark, st.Name)
			fmt.Fprintf(out, "\n%s\n", indent(ctx.Err().Error()))
			return false
		default:
		}

		step(st.Name, st.Fn)

		if !failed {
			fmt.Fprintf(out, "%s %s\n", checkMark, st.Name)
		}
	}

	return !failed
}

// report prints the write summary and the disruptions seen during faults.
func (r *Run) report(out io.Writer) {
	if r.load == nil {
		return
	}

	sum := r.load.Summary()
	fmt.Fprintf(out, "\nWrites: %d acked, %d disrupted, %d unexpected, %d in ledger\n",
		sum.Acked, sum.Disrupted, sum.Unexpected, r.load.Ledger().Len())

	groups := groupDisruptions(r.load.Disruptions())
	if len(groups) == 0 {
		return
	}

	fmt.Fprintln(out, "Disruptions:")
	for _, g := range groups {
		fmt.Fprintf(out, "  %4d × %s\n", g.count, g.label)
	}
}

type disruptionGroup struct {
	label string
	count int
}

var disruptionKinds = []struct {
	label string
	err   error
}{
	{"connection refused", cluster.ErrConnectRefused},
	{"timed out", cluster.ErrTimeout},
	{"timed out", context.DeadlineExceeded},
	{"no master", cluster.ErrNoMaster},
	{"blocked", cluster.ErrBlocked},
}

// groupDisruptions counts errors by the disruption they wrap, in first-seen
// order.
func groupDisruptions(errs []error) []disruptionGroup {
	var groups []disruptionGroup
	index := make(map[string]int)

	for _, err := range errs {
		label := "other"
		for _, k := range disruptionKinds {
			if errors.Is(err, k.err) {
				label = k.label
				break
			}
		}

		i, ok := index[label]
		if !ok {
			i = len(groups)
			index[label] = i
			groups = append(groups, disruptionGroup{label: label})
		}
		groups[i].count++
	}

	return groups
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
