// Package logging provides categorized file-based logging for gsbench.
// Logs are written to the configured log directory with separate files per
// category. Logging is controlled by debug_mode in gsbench.yaml - when false,
// no files are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup, config loading
	CategorySweep   Category = "sweep"   // Plan expansion, orchestration
	CategoryLaunch  Category = "launch"  // Trainer process execution
	CategoryStore   Category = "store"   // Run ledger operations
	CategoryMetrics Category = "metrics" // Stats parsing and aggregation
	CategoryWatch   Category = "watch"   // Result directory watching
	CategoryServe   Category = "serve"   // HTTP status API
)

// Options mirrors config.LoggingConfig to avoid a circular import.
type Options struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool
	Dir        string
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	opts      Options
	optsMu    sync.RWMutex
	logsDir   string
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory from the loaded config.
// Should be called once at startup. A no-op when debug mode is off.
func Initialize(o Options) error {
	level := LevelInfo
	switch o.Level {
	case "debug":
		level = LevelDebug
	case "info", "":
		level = LevelInfo
	case "warn", "warning":
		level = LevelWarn
	case "error":
		level = LevelError
	}

	dir := ""
	if o.DebugMode {
		dir = o.Dir
		if dir == "" {
			dir = filepath.Join(".", "logs")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	optsMu.Lock()
	opts = o
	logLevel = level
	logsDir = dir
	optsMu.Unlock()

	if !o.DebugMode {
		return nil
	}

	boot := Get(CategoryBoot)
	boot.Info("=== gsbench logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

func currentLevel() int {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return logLevel
}

func currentLogsDir() string {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return logsDir
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	dir := currentLogsDir()
	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Sweep logs to the sweep category.
func Sweep(format string, args ...interface{}) {
	Get(CategorySweep).Info(format, args...)
}

// SweepDebug logs debug to the sweep category.
func SweepDebug(format string, args ...interface{}) {
	Get(CategorySweep).Debug(format, args...)
}

// SweepWarn logs warning to the sweep category.
func SweepWarn(format string, args ...interface{}) {
	Get(CategorySweep).Warn(format, args...)
}

// SweepError logs error to the sweep category.
func SweepError(format string, args ...interface{}) {
	Get(CategorySweep).Error(format, args...)
}

// Launch logs to the launch category.
func Launch(format string, args ...interface{}) {
	Get(CategoryLaunch).Info(format, args...)
}

// LaunchDebug logs debug to the launch category.
func LaunchDebug(format string, args ...interface{}) {
	Get(CategoryLaunch).Debug(format, args...)
}

// LaunchWarn logs warning to the launch category.
func LaunchWarn(format string, args ...interface{}) {
	Get(CategoryLaunch).Warn(format, args...)
}

// LaunchError logs error to the launch category.
func LaunchError(format string, args ...interface{}) {
	Get(CategoryLaunch).Error(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Metrics logs to the metrics category.
func Metrics(format string, args ...interface{}) {
	Get(CategoryMetrics).Info(format, args...)
}

// MetricsDebug logs debug to the metrics category.
func MetricsDebug(format string, args ...interface{}) {
	Get(CategoryMetrics).Debug(format, args...)
}

// Watch logs to the watch category.
func Watch(format string, args ...interface{}) {
	Get(CategoryWatch).Info(format, args...)
}

// WatchDebug logs debug to the watch category.
func WatchDebug(format string, args ...interface{}) {
	Get(CategoryWatch).Debug(format, args...)
}

// Serve logs to the serve category.
func Serve(format string, args ...interface{}) {
	Get(CategoryServe).Info(format, args...)
}

// ServeDebug logs debug to the serve category.
func ServeDebug(format string, args ...interface{}) {
	Get(CategoryServe).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
