package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JacobJEdwards/gsplat/internal/config"
	"github.com/JacobJEdwards/gsplat/internal/logging"
	"github.com/JacobJEdwards/gsplat/internal/metrics"
	"github.com/JacobJEdwards/gsplat/internal/serve"
	"github.com/JacobJEdwards/gsplat/internal/store"
	"github.com/JacobJEdwards/gsplat/internal/sweep"
)

var (
	// Global flags
	verbose    bool
	configPath string
	sweepName  string

	// run flags
	resume bool

	// report flags
	asJSON bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gsbench",
	Short: "gsbench - batch sweep driver for the gsplat trainer",
	Long: `gsbench drives parameter sweeps over simple_trainer.py.

A sweep is the Cartesian product of the configured scene, postfix, and
variant lists. Each combination becomes one trainer run pinned to a GPU
from the pool, recorded in a SQLite ledger together with the metrics the
trainer writes. Sweeps are resumable: completed combinations are skipped.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default gsbench.yaml",
	RunE:  runInit,
}

// planCmd prints the expanded run plan without executing anything
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the expanded run plan (dry run)",
	Long: `Expands the configured scene, postfix, and variant lists into the
run plan and prints each run's name, data directory, and trainer argv
without launching anything.`,
	RunE: runPlan,
}

// runCmd executes the sweep
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the sweep",
	Long: `Executes every run of the plan. Runs are distributed over the GPU
pool (execution.gpus); each run gets CUDA_VISIBLE_DEVICES set to its
leased device. Progress and metrics are recorded in the ledger.

With --resume, combinations already succeeded in the ledger are skipped.`,
	RunE: runSweep,
}

// statusCmd shows ledger state for a sweep
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run states for a sweep",
	RunE:  runStatus,
}

// reportCmd summarizes metrics for a sweep
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize final metrics for a sweep",
	RunE:  runReport,
}

// serveCmd exposes the ledger over HTTP
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API",
	RunE:  runServe,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gsbench.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&sweepName, "sweep", "", "override the configured sweep name")

	runCmd.Flags().BoolVar(&resume, "resume", false, "skip combinations already succeeded")
	reportCmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")

	rootCmd.AddCommand(initCmd, planCmd, runCmd, statusCmd, reportCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and initializes file logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if sweepName != "" {
		cfg.Sweep.Name = sweepName
	}

	if err := logging.Initialize(logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		Dir:        cfg.Logging.Dir,
	}); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	}

	return cfg, nil
}

func openLedger(cfg *config.Config) (*store.RunStore, error) {
	ledger, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return ledger, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	logger.Info("Wrote default config", zap.String("path", configPath))
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	runs, err := sweep.Plan(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Sweep %q: %d runs\n\n", cfg.Sweep.Name, len(runs))
	for _, run := range runs {
		fmt.Printf("%-8s %-28s %s\n", run.ID, run.Name(), run.DataDir)
		fmt.Printf("         %s %s\n", cfg.Trainer.Python, strings.Join(run.Args, " "))
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Starting sweep",
		zap.String("sweep", cfg.Sweep.Name),
		zap.Strings("gpus", cfg.Execution.GPUs),
		zap.Bool("resume", resume))

	orch := sweep.New(cfg, ledger)
	if err := orch.Run(ctx, resume); err != nil {
		if ctx.Err() != nil {
			logger.Warn("Sweep interrupted")
			return nil
		}
		return err
	}

	completed, failed, total := orch.Progress()
	logger.Info("Sweep finished",
		zap.Int("succeeded", completed),
		zap.Int("failed", failed),
		zap.Int("total", total))
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, total)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.ListRuns(cfg.Sweep.Name)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Printf("No runs recorded for sweep %q\n", cfg.Sweep.Name)
		return nil
	}

	fmt.Printf("%-8s %-28s %-10s %-5s %-9s %s\n", "ID", "RUN", "STATUS", "EXIT", "ATTEMPTS", "DURATION")
	for _, run := range runs {
		name := run.Scene + run.Postfix
		if run.Variant != "" {
			name += "_" + run.Variant
		}
		duration := "-"
		if run.DurationMs > 0 {
			duration = fmt.Sprintf("%.1fm", float64(run.DurationMs)/60000)
		}
		fmt.Printf("%-8s %-28s %-10s %-5d %-9d %s\n",
			run.ID, name, run.Status, run.ExitCode, run.Attempts, duration)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	summary, err := ledger.SweepSummary(cfg.Sweep.Name)
	if err != nil {
		return err
	}

	if asJSON {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	fmt.Printf("%-28s %-10s %7s %7s %7s %9s\n", "RUN", "STATUS", "PSNR", "SSIM", "LPIPS", "GS")
	var finals []metrics.EvalEntry
	for _, row := range summary {
		name := row.Run.Scene + row.Run.Postfix
		if row.Run.Variant != "" {
			name += "_" + row.Run.Variant
		}
		if row.Final == nil {
			fmt.Printf("%-28s %-10s %7s %7s %7s %9s\n", name, row.Run.Status, "-", "-", "-", "-")
			continue
		}
		finals = append(finals, *row.Final)
		fmt.Printf("%-28s %-10s %7.3f %7.4f %7.3f %9d\n",
			name, row.Run.Status, row.Final.PSNR, row.Final.SSIM, row.Final.LPIPS, row.Final.NumGS)
	}

	if len(finals) > 0 {
		avg := metrics.Aggregate(finals)
		fmt.Printf("\nmean over %d runs: PSNR %.3f | SSIM %.4f | LPIPS %.3f | GS %.0f\n",
			avg.Runs, avg.PSNR, avg.SSIM, avg.LPIPS, avg.NumGS)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("Serving status API", zap.String("listen", cfg.Serve.Listen))
	return serve.New(ledger, cfg.Serve.Listen).ListenAndServe(ctx)
}
