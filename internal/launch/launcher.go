package launch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/JacobJEdwards/gsplat/internal/logging"
)

// Launcher executes trainer commands directly on the host using os/exec.
type Launcher struct {
	config Config
}

// New creates a launcher with default config.
func New() *Launcher {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a launcher with custom config.
func NewWithConfig(config Config) *Launcher {
	logging.LaunchDebug("Creating launcher: dir=%s, timeout=%s, maxOutput=%d bytes",
		config.DefaultWorkingDir, config.DefaultTimeout, config.MaxOutputBytes)
	return &Launcher{config: config}
}

// Validate checks if a command can be executed.
func (l *Launcher) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	return nil
}

// Run executes a command and waits for it to finish.
func (l *Launcher) Run(ctx context.Context, cmd Command) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryLaunch, "trainer launch")
	defer timer.Stop()

	if err := l.Validate(cmd); err != nil {
		logging.LaunchWarn("Command validation failed: %s - %v", cmd.String(), err)
		return nil, err
	}

	logging.Launch("Launching [%s]: %s", cmd.RunID, cmd.String())

	timeout := l.config.DefaultTimeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	dir := cmd.Dir
	if dir == "" {
		dir = l.config.DefaultWorkingDir
	}

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Args...)
	execCmd.Dir = dir
	execCmd.Env = l.buildEnvironment(cmd.Env)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		return killProcessGroup(execCmd)
	}

	maxOutput := l.config.MaxOutputBytes
	if cmd.MaxOutputBytes > 0 {
		maxOutput = cmd.MaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}

	var stdout io.Writer = stdoutLimited
	var stderr io.Writer = stderrLimited

	// Tee the full, uncapped streams to the run's log file so truncation
	// only affects what we hold in memory.
	var logFile *os.File
	if cmd.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		logFile, err = os.OpenFile(cmd.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open run log %s: %w", cmd.LogPath, err)
		}
		defer logFile.Close()
		stdout = io.MultiWriter(stdoutLimited, logFile)
		stderr = io.MultiWriter(stderrLimited, logFile)
	}

	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	result := &Result{ExitCode: -1}
	result.StartedAt = time.Now()

	err := execCmd.Run()

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.LaunchWarn("Run [%s] output truncated: %d bytes discarded", cmd.RunID, result.TruncatedBytes)
	}

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			logging.LaunchWarn("Run [%s] killed: timeout after %s", cmd.RunID, timeout)
		case execCtx.Err() == context.Canceled:
			result.Killed = true
			result.KillReason = "canceled"
			logging.LaunchDebug("Run [%s] canceled", cmd.RunID)
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
				logging.LaunchDebug("Run [%s] exited non-zero: %d", cmd.RunID, result.ExitCode)
			} else {
				logging.LaunchError("Run [%s] failed to start: %v", cmd.RunID, err)
				return nil, fmt.Errorf("failed to run %s: %w", cmd.Binary, err)
			}
		}
	} else {
		result.ExitCode = 0
	}

	result.Usage = getProcessResourceUsage(execCmd)

	logging.Launch("Run [%s] finished: exit=%d, killed=%v, duration=%s",
		cmd.RunID, result.ExitCode, result.Killed, result.Duration)

	return result, nil
}

// buildEnvironment creates the environment variable list: allow-listed
// passthrough first, command-specific additions last so they win.
func (l *Launcher) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(l.config.AllowedEnv)+len(cmdEnv))
	for _, key := range l.config.AllowedEnv {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	env = append(env, cmdEnv...)
	return env
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
