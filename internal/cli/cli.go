package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/splitcheck/internal/cluster/remote"
	"github.com/st3v3nmw/splitcheck/internal/cluster/sim"
	"github.com/st3v3nmw/splitcheck/internal/config"
	"github.com/st3v3nmw/splitcheck/internal/logging"
	"github.com/st3v3nmw/splitcheck/internal/metrics"
	"github.com/st3v3nmw/splitcheck/internal/registry"
	"github.com/st3v3nmw/splitcheck/internal/scenario"
	_ "github.com/st3v3nmw/splitcheck/scenarios/discovery"
)

// RunFlags are the flags of the run command.
func RunFlags() []commands.Flag {
	return []commands.Flag{
		&commands.StringFlag{
			Name:    "config",
			Usage:   "Path to the config file",
			Aliases: []string{"c"},
		},
		&commands.BoolFlag{
			Name:  "sim",
			Usage: "Run against the in-process simulated cluster",
		},
		&commands.Uint64Flag{
			Name:  "seed",
			Usage: "Seed for every random choice (0 picks one)",
		},
		&commands.BoolFlag{
			Name:    "verbose",
			Usage:   "Show debug logs and the disruption report",
			Aliases: []string{"v"},
		},
		&commands.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics on this address",
		},
	}
}

func ListScenarios(ctx context.Context, cmd *commands.Command) error {
	out := cmd.Root().Writer

	for _, group := range registry.GetAllGroups() {
		fmt.Fprintf(out, "%s (%d scenarios)\n\n", group.Name, group.Len())

		if group.Summary != "" {
			fmt.Fprintf(out, "%s\n\n", group.Summary)
		}

		for _, key := range group.ScenarioOrder {
			fmt.Fprintf(out, "  %-34s - %s\n", key, group.Scenarios[key].Name)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "Run with: splitcheck run [scenario...]")

	return nil
}

const runScript = `#!/bin/bash

# This script starts one node of the cluster under test.
# splitcheck passes --port, --working-dir, --node-id and --seeds;
# "$@" forwards them to your program.

echo "Replace this line with the command that starts one node"
# Examples:
#   go run ./cmd/node "$@"
#   ./my-node "$@"
`

// InitProject writes a config file with the defaults and, unless one exists,
// a run.sh template into the target directory.
func InitProject(ctx context.Context, cmd *commands.Command) error {
	out := cmd.Root().Writer

	targetPath := "."
	switch cmd.NArg() {
	case 0:
	case 1:
		targetPath = cmd.Args().First()
	default:
		return fmt.Errorf("too many arguments\nUsage: splitcheck init [path]")
	}

	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
	}

	configPath := filepath.Join(targetPath, config.DefaultPath)
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	cfg := config.Default()
	if cmd.Bool("sim") {
		cfg = config.SimDefault()
	}

	if err := config.SaveTo(cfg, configPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "  %-16s - Harness settings\n", config.DefaultPath)

	scriptPath := filepath.Join(targetPath, "run.sh")
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		if err := os.WriteFile(scriptPath, []byte(runScript), 0755); err != nil {
			return fmt.Errorf("failed to create run.sh: %w", err)
		}
		fmt.Fprintf(out, "  %-16s - Starts one node of your cluster\n", "run.sh")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Edit run.sh, then run 'splitcheck run'.")

	return nil
}

func RunScenarios(ctx context.Context, cmd *commands.Command) error {
	out := cmd.Root().Writer

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var selected []*registry.Scenario
	if cmd.NArg() == 0 {
		selected = registry.GetAllScenarios()
	} else {
		for _, key := range cmd.Args().Slice() {
			s, err := registry.GetScenario(key)
			if err != nil {
				return err
			}
			selected = append(selected, s)
		}
	}

	factory := scenario.Factory(remote.FromConfig)
	if cmd.Bool("sim") {
		factory = sim.FromConfig
	} else if _, err := os.Stat(cfg.Command); err != nil {
		return fmt.Errorf("%s not found\nCreate an executable script that starts one node, or pass --sim", cfg.Command)
	}

	log, err := logging.New(cfg.LogLevel, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	if addr := cmd.String("metrics-addr"); addr != "" {
		shutdown := serveMetrics(addr, reg, log)
		defer shutdown()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &scenario.Env{
		Config:     cfg,
		NewCluster: factory,
		Logger:     log,
		Metrics:    reg,
		Out:        out,
		Verbose:    cmd.Bool("verbose"),
	}

	fmt.Fprintf(out, "Seed: %d\n", cfg.Seed)

	failed := 0
	for _, s := range selected {
		if ctx.Err() != nil {
			break
		}

		fmt.Fprintf(out, "\nRunning %s: %s\n\n", s.Key, s.Name)
		if !s.Fn().Run(ctx, s.Key, env) {
			failed++
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed (seed %d)", failed, len(selected), cfg.Seed)
	}

	return nil
}

// loadConfig reads the config file, if any, over the defaults for the chosen
// cluster and applies flag overrides.
func loadConfig(cmd *commands.Command) (*config.Config, error) {
	base := config.Default()
	if cmd.Bool("sim") {
		base = config.SimDefault()
	}

	path := cmd.String("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath
	}

	cfg, err := config.Load(path, base)
	switch {
	case errors.Is(err, config.ErrNotFound) && !explicit:
		cfg = base
	case err != nil:
		return nil, err
	}

	if cmd.IsSet("seed") {
		cfg.Seed = cmd.Uint64("seed")
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}

	if cmd.Bool("verbose") {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

func serveMetrics(addr string, reg *metrics.Registry, log logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Metrics server stopped")
		}
	}()

	log.WithField("addr", addr).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
