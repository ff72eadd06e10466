// Package launch runs the external trainer process on the host. It is the
// lowest layer of the sweep driver: one Command in, one Result out, with
// timeout enforcement, output caps, and rusage capture. Everything above it
// (retries, GPU slots, the ledger) lives in the sweep orchestrator.
package launch

import (
	"strings"
	"time"
)

// Command describes one trainer invocation.
type Command struct {
	// Binary is the executable to run (e.g. "python").
	Binary string `json:"binary"`

	// Args are the command-line arguments.
	Args []string `json:"args"`

	// Dir is the directory to execute in. If empty, the launcher's
	// default working directory is used.
	Dir string `json:"dir,omitempty"`

	// Env holds additional environment variables in KEY=VALUE form.
	// These are merged with the launcher's allow-listed environment.
	Env []string `json:"env,omitempty"`

	// Timeout caps wall time. Zero means the launcher default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxOutputBytes caps captured stdout/stderr per stream.
	// Zero means the launcher default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`

	// LogPath, when set, receives a combined copy of stdout and stderr.
	LogPath string `json:"log_path,omitempty"`

	// RunID links this invocation to a ledger row (for logging).
	RunID string `json:"run_id,omitempty"`
}

// String returns the full command line for display and logging.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of one trainer invocation.
//
// A trainer that runs and exits non-zero is a completed Result, not an
// error; error returns are reserved for infrastructure failures (binary
// missing, log file unwritable).
type Result struct {
	// ExitCode is the process exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr are the captured streams, possibly truncated.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Killed indicates the process was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the process was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was dropped due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`

	// Usage contains resource consumption metrics where the platform
	// provides them.
	Usage *ResourceUsage `json:"usage,omitempty"`
}

// Output returns stdout and stderr joined for display.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	// UserTimeMs is user-mode CPU time in milliseconds.
	UserTimeMs int64 `json:"user_time_ms"`

	// SystemTimeMs is kernel-mode CPU time in milliseconds.
	SystemTimeMs int64 `json:"system_time_ms"`

	// MaxRSSBytes is peak resident set size in bytes.
	MaxRSSBytes int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (u *ResourceUsage) TotalCPUTimeMs() int64 {
	return u.UserTimeMs + u.SystemTimeMs
}

// Config configures a Launcher.
type Config struct {
	// DefaultWorkingDir is used when Command.Dir is empty.
	DefaultWorkingDir string

	// DefaultTimeout is used when Command.Timeout is zero.
	// Zero means no timeout: a training run can legitimately take hours.
	DefaultTimeout time.Duration

	// AllowedEnv lists environment variables passed through from the
	// driver's own environment.
	AllowedEnv []string

	// MaxOutputBytes caps output capture per stream (default 10MB).
	MaxOutputBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultWorkingDir: ".",
		MaxOutputBytes:    10 * 1024 * 1024,
		AllowedEnv: []string{
			"PATH", "HOME", "USER", "LANG", "LC_ALL",
			"PYTHONPATH", "VIRTUAL_ENV", "CONDA_PREFIX",
			"CUDA_HOME", "LD_LIBRARY_PATH",
		},
	}
}
