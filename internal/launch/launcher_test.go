package launch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test uses POSIX shell commands")
	}
}

func TestRun_Success(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary: "echo",
		Args:   []string{"hello", "world"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello world") {
		t.Errorf("expected stdout to contain 'hello world', got %q", result.Stdout)
	}
	if result.Killed {
		t.Error("expected Killed=false")
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo training crashed >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "training crashed") {
		t.Errorf("expected stderr captured, got %q", result.Stderr)
	}
}

func TestRun_Timeout(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	start := time.Now()
	result, err := launcher.Run(context.Background(), Command{
		Binary:  "sleep",
		Args:    []string{"10"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Killed {
		t.Error("expected Killed=true after timeout")
	}
	if !strings.Contains(result.KillReason, "timeout") {
		t.Errorf("expected timeout kill reason, got %q", result.KillReason)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := launcher.Run(ctx, Command{
		Binary: "sleep",
		Args:   []string{"10"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Killed {
		t.Error("expected Killed=true after cancel")
	}
	if result.KillReason != "canceled" {
		t.Errorf("expected kill reason 'canceled', got %q", result.KillReason)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	launcher := New()

	_, err := launcher.Run(context.Background(), Command{
		Binary: "definitely-not-a-real-binary-xyz",
	})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestRun_EmptyBinary(t *testing.T) {
	launcher := New()

	_, err := launcher.Run(context.Background(), Command{})
	if err == nil {
		t.Fatal("expected validation error for empty binary")
	}
}

func TestRun_EnvReachesProcess(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo gpu=$CUDA_VISIBLE_DEVICES"},
		Env:    []string{"CUDA_VISIBLE_DEVICES=3"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(result.Stdout, "gpu=3") {
		t.Errorf("expected CUDA_VISIBLE_DEVICES in child env, got %q", result.Stdout)
	}
}

func TestRun_EnvNotLeakedBeyondAllowlist(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("GSBENCH_SECRET_TOKEN", "hunter2")
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary: "sh",
		Args:   []string{"-c", "echo token=$GSBENCH_SECRET_TOKEN"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Contains(result.Stdout, "hunter2") {
		t.Errorf("non-allowlisted variable leaked: %q", result.Stdout)
	}
}

func TestRun_OutputTruncation(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary:         "echo",
		Args:           []string{strings.Repeat("x", 500)},
		MaxOutputBytes: 100,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Truncated {
		t.Error("expected Truncated=true")
	}
	if len(result.Stdout) > 100 {
		t.Errorf("stdout exceeds cap: %d bytes", len(result.Stdout))
	}
	if result.TruncatedBytes == 0 {
		t.Error("expected nonzero TruncatedBytes")
	}
}

func TestRun_LogFileTee(t *testing.T) {
	skipOnWindows(t)
	launcher := New()
	logPath := filepath.Join(t.TempDir(), "logs", "run.log")

	_, err := launcher.Run(context.Background(), Command{
		Binary:  "sh",
		Args:    []string{"-c", "echo to stdout; echo to stderr >&2"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "to stdout") || !strings.Contains(string(data), "to stderr") {
		t.Errorf("log file missing stream content: %q", string(data))
	}
}

func TestRun_ResourceUsage(t *testing.T) {
	skipOnWindows(t)
	launcher := New()

	result, err := launcher.Run(context.Background(), Command{
		Binary: "echo",
		Args:   []string{"ok"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Usage == nil {
		t.Fatal("expected rusage on unix")
	}
	if result.Usage.TotalCPUTimeMs() < 0 {
		t.Error("negative CPU time")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 10}

	n, err := lw.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}

	// Crosses the cap: reports full length, stores only up to max.
	n, err = lw.Write([]byte("6789012345"))
	if err != nil || n != 10 {
		t.Fatalf("unexpected write result: n=%d err=%v", n, err)
	}
	if buf.String() != "1234567890" {
		t.Errorf("expected capped content, got %q", buf.String())
	}
	if !lw.truncated || lw.discarded != 5 {
		t.Errorf("expected truncated with 5 discarded, got truncated=%v discarded=%d", lw.truncated, lw.discarded)
	}

	// Past the cap everything is discarded.
	n, _ = lw.Write([]byte("abc"))
	if n != 3 {
		t.Errorf("expected claimed length 3, got %d", n)
	}
	if lw.discarded != 8 {
		t.Errorf("expected 8 discarded, got %d", lw.discarded)
	}
}

func TestCommandString(t *testing.T) {
	cmd := Command{Binary: "python", Args: []string{"examples/simple_trainer.py", "default", "--data_dir", "data/garden"}}
	want := "python examples/simple_trainer.py default --data_dir data/garden"
	if got := cmd.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if got := (Command{Binary: "python"}).String(); got != "python" {
		t.Errorf("expected bare binary, got %q", got)
	}
}

func TestResultOutput(t *testing.T) {
	r := &Result{Stdout: "out", Stderr: "err"}
	if got := r.Output(); got != "out\nerr" {
		t.Errorf("expected joined output, got %q", got)
	}
	if got := (&Result{Stdout: "out"}).Output(); got != "out" {
		t.Errorf("expected stdout only, got %q", got)
	}
	if got := (&Result{Stderr: "err"}).Output(); got != "err" {
		t.Errorf("expected stderr only, got %q", got)
	}
}
