package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "splitcheck.yaml"

var ErrNotFound = errors.New("config file not found")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Sim tunes the in-process simulated cluster.
type Sim struct {
	// Tick is the failure detector period.
	Tick time.Duration `yaml:"tick" validate:"required"`
	// PingTimeout bounds a single reachability ping.
	PingTimeout time.Duration `yaml:"ping_timeout" validate:"required"`
	// PublishTimeout bounds delivery of a published cluster state.
	PublishTimeout time.Duration `yaml:"publish_timeout" validate:"required"`
}

// Config holds every harness setting.
type Config struct {
	// Command is the run script that starts one node of the cluster under test.
	Command string `yaml:"command" validate:"required"`
	// WorkingDir is the base directory for node data and logs.
	WorkingDir string `yaml:"working_dir" validate:"required"`

	// Nodes is the cluster size every scenario starts.
	Nodes int `yaml:"nodes" validate:"min=3,max=15"`
	// Index is created by scenarios that write documents.
	Index    string `yaml:"index" validate:"required"`
	Shards   int    `yaml:"shards" validate:"min=1"`
	Replicas int    `yaml:"replicas" validate:"min=0"`
	// NoMasterBlock is the block level minority nodes should report: write or all.
	NoMasterBlock string `yaml:"no_master_block" validate:"oneof=write all"`

	// OracleTimeout bounds waits for an adversarial condition to appear.
	OracleTimeout time.Duration `yaml:"oracle_timeout" validate:"required"`
	// StableTimeout bounds waits for a healthy cluster outside of healing.
	StableTimeout time.Duration `yaml:"stable_timeout" validate:"required"`
	// HealingOverhead is added to a fault's expected heal time so the
	// cluster's own detection timers can fire.
	HealingOverhead time.Duration `yaml:"healing_overhead" validate:"required"`
	// PollInterval for oracle polling.
	PollInterval time.Duration `yaml:"poll_interval" validate:"required"`
	// ConsistencyWindow is how long a condition must keep holding once seen.
	ConsistencyWindow time.Duration `yaml:"consistency_window" validate:"required"`

	// WriteTimeout bounds a single load generator write.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"required"`
	// RoundTimeout is the base budget of a load round.
	RoundTimeout time.Duration `yaml:"round_timeout" validate:"required"`
	// FaultRounds is the number of faulted load rounds per durability run.
	FaultRounds int `yaml:"fault_rounds" validate:"min=1,max=20"`
	// TeardownGrace bounds how long stopped workers may take to exit.
	TeardownGrace time.Duration `yaml:"teardown_grace" validate:"required"`

	// MinDelay and MaxDelay bound delayed delivery and slow state processing.
	MinDelay time.Duration `yaml:"min_delay" validate:"required"`
	MaxDelay time.Duration `yaml:"max_delay" validate:"required,gtefield=MinDelay"`

	// ProcessStartTimeout for node startup.
	ProcessStartTimeout time.Duration `yaml:"process_start_timeout" validate:"required"`
	// ProcessShutdownTimeout before SIGKILL.
	ProcessShutdownTimeout time.Duration `yaml:"process_shutdown_timeout" validate:"required"`
	// RequestTimeout bounds control requests to remote nodes.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"required"`

	// Seed drives every random choice. Zero picks a seed at startup.
	Seed uint64 `yaml:"seed"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	Sim Sim `yaml:"sim"`
}

// Default returns the settings for a remote cluster.
func Default() *Config {
	return &Config{
		Command:                "./run.sh",
		WorkingDir:             ".splitcheck",
		Nodes:                  3,
		Index:                  "test",
		Shards:                 3,
		Replicas:               1,
		NoMasterBlock:          "write",
		OracleTimeout:          10 * time.Second,
		StableTimeout:          30 * time.Second,
		HealingOverhead:        40 * time.Second,
		PollInterval:           100 * time.Millisecond,
		ConsistencyWindow:      5 * time.Second,
		WriteTimeout:           time.Second,
		RoundTimeout:           60 * time.Second,
		FaultRounds:            3,
		TeardownGrace:          10 * time.Second,
		MinDelay:               100 * time.Millisecond,
		MaxDelay:               2 * time.Second,
		ProcessStartTimeout:    10 * time.Second,
		ProcessShutdownTimeout: 10 * time.Second,
		RequestTimeout:         5 * time.Second,
		LogLevel:               "info",
		Sim: Sim{
			Tick:           20 * time.Millisecond,
			PingTimeout:   250 * time.Millisecond,
			PublishTimeout: time.Second,
		},
	}
}

// SimDefault returns settings scaled for the simulated cluster.
func SimDefault() *Config {
	cfg := Default()
	cfg.OracleTimeout = 5 * time.Second
	cfg.StableTimeout = 5 * time.Second
	cfg.HealingOverhead = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ConsistencyWindow = 300 * time.Millisecond
	cfg.WriteTimeout = 500 * time.Millisecond
	cfg.RoundTimeout = 10 * time.Second
	cfg.TeardownGrace = 2 * time.Second
	cfg.MinDelay = 5 * time.Millisecond
	cfg.MaxDelay = 30 * time.Millisecond
	cfg.Sim = Sim{
		Tick:           10 * time.Millisecond,
		PingTimeout:   50 * time.Millisecond,
		PublishTimeout: 250 * time.Millisecond,
	}

	return cfg
}

// Load reads path over a copy of base and validates the result.
func Load(path string, base *Config) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := *base
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveTo writes cfg as YAML.
func SaveTo(cfg *Config, path string) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, bytes, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks field constraints and returns the first violation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		field := e.Namespace()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s], got %v", field, param, e.Value())
		case "gtefield":
			return fmt.Errorf("%s: must not be less than %s", field, param)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
