package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gsbench configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Trainer invocation
	Trainer TrainerConfig `yaml:"trainer"`

	// Sweep axes
	Sweep SweepConfig `yaml:"sweep"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Status API
	Serve ServeConfig `yaml:"serve"`
}

// TrainerConfig describes the external training program.
type TrainerConfig struct {
	// Python interpreter to invoke.
	Python string `yaml:"python"`

	// Script path, relative to WorkingDirectory.
	Script string `yaml:"script"`

	// Densification strategy subcommand: default or mcmc.
	Strategy string `yaml:"strategy"`

	// Image downsample factor passed as --data_factor.
	DataFactor int `yaml:"data_factor"`

	// Extra flags appended to every run.
	ExtraArgs []string `yaml:"extra_args"`
}

// Variant is one trainer configuration axis of the sweep.
type Variant struct {
	Name      string   `yaml:"name"`
	ExtraArgs []string `yaml:"extra_args"`
}

// SweepConfig defines the combination axes.
type SweepConfig struct {
	// Name groups runs in the ledger and the result tree.
	Name string `yaml:"name"`

	// Scene directory names under the data root.
	Scenes []string `yaml:"scenes"`

	// Filename postfixes appended to the scene name ("" is valid).
	Postfixes []string `yaml:"postfixes"`

	// Trainer variants; empty means a single baseline variant.
	Variants []Variant `yaml:"variants"`
}

// PathsConfig configures the filesystem layout.
type PathsConfig struct {
	DataRoot   string `yaml:"data_root"`
	ResultRoot string `yaml:"result_root"`
	Database   string `yaml:"database"`
}

// ExecutionConfig configures the launcher.
type ExecutionConfig struct {
	// CUDA device IDs available to the sweep.
	GPUs []string `yaml:"gpus"`

	// Concurrency cap; zero means one run per GPU.
	MaxParallel int `yaml:"max_parallel"`

	// Per-run timeout
	Timeout string `yaml:"timeout"`

	// Re-launches after a non-zero exit
	MaxRetries int `yaml:"max_retries"`

	// Captured output cap per stream
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Working directory the trainer is invoked from
	WorkingDirectory string `yaml:"working_directory"`

	// Environment variables to pass through
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Dir        string          `yaml:"dir"`
}

// ServeConfig configures the status API.
type ServeConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "gsbench",
		Version: "0.3.0",

		Trainer: TrainerConfig{
			Python:     "python",
			Script:     "examples/simple_trainer.py",
			Strategy:   "default",
			DataFactor: 4,
		},

		Sweep: SweepConfig{
			Name:      "baseline",
			Scenes:    []string{"garden", "bicycle", "stump", "bonsai", "counter", "kitchen", "room"},
			Postfixes: []string{"", "_low"},
		},

		Paths: PathsConfig{
			DataRoot:   "data/360_v2",
			ResultRoot: "results",
			Database:   "data/gsbench.db",
		},

		Execution: ExecutionConfig{
			GPUs:             []string{"0"},
			Timeout:          "6h",
			MaxRetries:       1,
			MaxOutputBytes:   10 * 1024 * 1024,
			WorkingDirectory: ".",
			AllowedEnvVars: []string{
				"PATH", "HOME", "USER", "LANG", "LC_ALL",
				"PYTHONPATH", "VIRTUAL_ENV", "CONDA_PREFIX",
				"CUDA_HOME", "LD_LIBRARY_PATH", "TORCH_HOME",
			},
		},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},

		Serve: ServeConfig{
			Listen: "127.0.0.1:8090",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("GSBENCH_DATA_ROOT"); root != "" {
		c.Paths.DataRoot = root
	}
	if root := os.Getenv("GSBENCH_RESULT_ROOT"); root != "" {
		c.Paths.ResultRoot = root
	}
	if gpus := os.Getenv("GSBENCH_GPUS"); gpus != "" {
		c.Execution.GPUs = splitList(gpus)
	} else if len(c.Execution.GPUs) == 0 {
		// The shell scripts pinned devices via CUDA_VISIBLE_DEVICES; honor it
		// as the pool seed when no explicit list is configured.
		if devs := os.Getenv("CUDA_VISIBLE_DEVICES"); devs != "" {
			c.Execution.GPUs = splitList(devs)
		}
	}
	if db := os.Getenv("GSBENCH_DB"); db != "" {
		c.Paths.Database = db
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	if len(c.Sweep.Scenes) == 0 {
		return fmt.Errorf("sweep.scenes must not be empty")
	}
	for _, scene := range c.Sweep.Scenes {
		if strings.ContainsAny(scene, "/\\") {
			return fmt.Errorf("scene name %q must not contain path separators", scene)
		}
	}
	if len(c.Execution.GPUs) == 0 {
		return fmt.Errorf("execution.gpus must list at least one device")
	}
	if c.Trainer.Strategy != "default" && c.Trainer.Strategy != "mcmc" {
		return fmt.Errorf("trainer.strategy must be default or mcmc, got %q", c.Trainer.Strategy)
	}
	if _, err := c.Execution.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// TimeoutDuration parses the per-run timeout. Zero means no timeout.
func (e *ExecutionConfig) TimeoutDuration() (time.Duration, error) {
	if e.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid execution.timeout %q: %w", e.Timeout, err)
	}
	return d, nil
}

// Parallelism returns the effective worker count.
func (e *ExecutionConfig) Parallelism() int {
	n := len(e.GPUs)
	if e.MaxParallel > 0 && e.MaxParallel < n {
		n = e.MaxParallel
	}
	if n < 1 {
		n = 1
	}
	return n
}
