// Package config handles configuration loading and validation for gridrepl.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridrepl/gridrepl/internal/storage"
	"github.com/gridrepl/gridrepl/internal/strategy"
	"github.com/gridrepl/gridrepl/pkg/bytesize"
)

// Config is the agent configuration file.
type Config struct {
	Agent           AgentConfig            `yaml:"agent"`
	StorageElements []StorageElementConfig `yaml:"storage_elements"`
	SnapshotFile    string                 `yaml:"snapshot_file"` // Channel snapshot (YAML)
	DBPath          string                 `yaml:"db_path"`       // Operation store; empty keeps it in memory
	Metrics         MetricsConfig          `yaml:"metrics"`
	Simulation      SimulationConfig       `yaml:"simulation"`
	Tracing         TracingConfig          `yaml:"tracing"`
}

// AgentConfig holds the scheduling parameters.
type AgentConfig struct {
	Name                    string   `yaml:"name"`
	CycleInterval           string   `yaml:"cycle_interval"` // Duration string, e.g. "30s"
	MaxFilesPerJob          int      `yaml:"max_files_per_job"`
	MaxAttemptsPerFile      int      `yaml:"max_attempts_per_file"`
	MaxFilesPerOperation    int      `yaml:"max_files_per_operation"` // Optimizer merge cap
	MaxConcurrentOperations int      `yaml:"max_concurrent_operations"`
	SubmissionsPerSecond    float64  `yaml:"submissions_per_second"`
	SubmissionBurst         int      `yaml:"submission_burst"`
	Strategy                string   `yaml:"strategy"`
	AcceptableFailureRate   float64  `yaml:"acceptable_failure_rate"`
	RegistrationProtocols   []string `yaml:"registration_protocols"`
	Activity                string   `yaml:"activity"`
	Priority                int      `yaml:"priority"`
}

// StorageElementConfig describes one storage element.
type StorageElementConfig struct {
	Name      string   `yaml:"name"`
	Site      string   `yaml:"site"`
	BaseURL   string   `yaml:"base_url"`
	Protocols []string `yaml:"protocols"`
	Read      bool     `yaml:"read"`
	Write     bool     `yaml:"write"`
	Remove    bool     `yaml:"remove"`
	Failover  bool     `yaml:"failover"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SimulationConfig drives the simulated transfer service.
type SimulationConfig struct {
	FailureRate          float64 `yaml:"failure_rate"`
	ChecksumMismatchRate float64 `yaml:"checksum_mismatch_rate"`
	Seed                 int64   `yaml:"seed"`
	PollsToComplete      int     `yaml:"polls_to_complete"`
}

// TracingConfig controls the runtime flight recorder.
type TracingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BufferSize bytesize.Size `yaml:"buffer_size"` // e.g. "10MB"
	SlowCycle  string        `yaml:"slow_cycle"`  // Duration; empty disables dumps
	DumpDir    string        `yaml:"dump_dir"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	a := &c.Agent
	if a.Name == "" {
		a.Name = "gridrepl"
	}
	if a.CycleInterval == "" {
		a.CycleInterval = "30s"
	}
	if a.MaxFilesPerJob == 0 {
		a.MaxFilesPerJob = 100
	}
	if a.MaxAttemptsPerFile == 0 {
		a.MaxAttemptsPerFile = 256
	}
	if a.MaxFilesPerOperation == 0 {
		a.MaxFilesPerOperation = 100
	}
	if a.MaxConcurrentOperations == 0 {
		a.MaxConcurrentOperations = 8
	}
	if a.SubmissionsPerSecond == 0 {
		a.SubmissionsPerSecond = 5
	}
	if a.SubmissionBurst == 0 {
		a.SubmissionBurst = 1
	}
	if a.Strategy == "" {
		a.Strategy = string(strategy.MinimiseTotalWait)
	}
	if a.AcceptableFailureRate == 0 {
		a.AcceptableFailureRate = strategy.DefaultAcceptableFailureRate
	}
	if a.Activity == "" {
		a.Activity = "Data Consolidation"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}
	if c.Simulation.Seed == 0 {
		c.Simulation.Seed = 1
	}
	if c.Simulation.PollsToComplete == 0 {
		c.Simulation.PollsToComplete = 1
	}

	c.DBPath = expandHome(c.DBPath)
	c.Tracing.DumpDir = expandHome(c.Tracing.DumpDir)
	c.SnapshotFile = expandHome(c.SnapshotFile)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	a := c.Agent
	if _, err := c.CycleDuration(); err != nil {
		return err
	}
	if a.MaxFilesPerJob <= 0 {
		return fmt.Errorf("agent.max_files_per_job must be positive")
	}
	if a.MaxAttemptsPerFile <= 0 {
		return fmt.Errorf("agent.max_attempts_per_file must be positive")
	}
	if a.MaxFilesPerOperation <= 0 {
		return fmt.Errorf("agent.max_files_per_operation must be positive")
	}
	if a.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("agent.max_concurrent_operations must be positive")
	}
	if a.SubmissionsPerSecond <= 0 {
		return fmt.Errorf("agent.submissions_per_second must be positive")
	}
	if a.SubmissionBurst <= 0 {
		return fmt.Errorf("agent.submission_burst must be positive")
	}
	if _, err := strategy.ParseName(a.Strategy); err != nil {
		return fmt.Errorf("agent.strategy: %w", err)
	}
	if a.AcceptableFailureRate <= 0 || a.AcceptableFailureRate > 1 {
		return fmt.Errorf("agent.acceptable_failure_rate must be in (0, 1]")
	}

	if len(c.StorageElements) == 0 {
		return fmt.Errorf("at least one storage element is required")
	}
	seen := make(map[string]bool, len(c.StorageElements))
	for i, se := range c.StorageElements {
		if se.Name == "" {
			return fmt.Errorf("storage_elements[%d].name is required", i)
		}
		if seen[se.Name] {
			return fmt.Errorf("storage element %s is defined twice", se.Name)
		}
		seen[se.Name] = true
		if se.BaseURL == "" {
			return fmt.Errorf("storage element %s: base_url is required", se.Name)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	if _, err := c.SlowCycle(); err != nil {
		return err
	}
	s := c.Simulation
	if s.FailureRate < 0 || s.FailureRate > 1 {
		return fmt.Errorf("simulation.failure_rate must be between 0 and 1")
	}
	if s.ChecksumMismatchRate < 0 || s.ChecksumMismatchRate > 1 {
		return fmt.Errorf("simulation.checksum_mismatch_rate must be between 0 and 1")
	}
	return nil
}

// CycleDuration parses agent.cycle_interval.
func (c *Config) CycleDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Agent.CycleInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid agent.cycle_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("agent.cycle_interval must be positive")
	}
	return d, nil
}

// SlowCycle parses tracing.slow_cycle. An empty value is zero.
func (c *Config) SlowCycle() (time.Duration, error) {
	if c.Tracing.SlowCycle == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Tracing.SlowCycle)
	if err != nil {
		return 0, fmt.Errorf("invalid tracing.slow_cycle: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("tracing.slow_cycle must not be negative")
	}
	return d, nil
}

// StrategyName returns the configured planning strategy.
func (c *Config) StrategyName() strategy.Name {
	name, err := strategy.ParseName(c.Agent.Strategy)
	if err != nil {
		return strategy.MinimiseTotalWait
	}
	return name
}

// Registry builds the storage element registry.
func (c *Config) Registry() *storage.Registry {
	elements := make([]storage.Element, 0, len(c.StorageElements))
	for _, se := range c.StorageElements {
		elements = append(elements, storage.Element{
			Name:      se.Name,
			Site:      se.Site,
			BaseURL:   se.BaseURL,
			Protocols: se.Protocols,
			Read:      se.Read,
			Write:     se.Write,
			Remove:    se.Remove,
			Failover:  se.Failover,
		})
	}
	return storage.NewRegistry(elements...)
}
