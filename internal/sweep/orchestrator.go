package sweep

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JacobJEdwards/gsplat/internal/config"
	"github.com/JacobJEdwards/gsplat/internal/launch"
	"github.com/JacobJEdwards/gsplat/internal/logging"
	"github.com/JacobJEdwards/gsplat/internal/metrics"
	"github.com/JacobJEdwards/gsplat/internal/store"
	"github.com/JacobJEdwards/gsplat/internal/watch"
)

// Orchestrator executes a planned sweep against the GPU pool, recording
// every run in the ledger.
type Orchestrator struct {
	mu        sync.Mutex
	cfg       *config.Config
	ledger    *store.RunStore
	launcher  *launch.Launcher
	isRunning bool
	cancel    context.CancelFunc

	total     int
	completed int
	failed    int
}

// New creates an orchestrator over the given config and ledger.
func New(cfg *config.Config, ledger *store.RunStore) *Orchestrator {
	lc := launch.DefaultConfig()
	lc.DefaultWorkingDir = cfg.Execution.WorkingDirectory
	if cfg.Execution.MaxOutputBytes > 0 {
		lc.MaxOutputBytes = cfg.Execution.MaxOutputBytes
	}
	if len(cfg.Execution.AllowedEnvVars) > 0 {
		lc.AllowedEnv = cfg.Execution.AllowedEnvVars
	}

	return &Orchestrator{
		cfg:      cfg,
		ledger:   ledger,
		launcher: launch.NewWithConfig(lc),
	}
}

// Progress returns completed, failed, and total run counts.
func (o *Orchestrator) Progress() (completed, failed, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed, o.failed, o.total
}

// Stop cancels a running sweep.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run executes the sweep until completion, cancellation, or an
// infrastructure failure. With resume set, combos already succeeded in the
// ledger are skipped.
func (o *Orchestrator) Run(ctx context.Context, resume bool) error {
	timer := logging.StartTimer(logging.CategorySweep, "sweep")

	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return fmt.Errorf("sweep already running")
	}
	o.isRunning = true
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.isRunning = false
		o.cancel = nil
		o.mu.Unlock()
		timer.StopWithInfo()
	}()

	timeout, err := o.cfg.Execution.TimeoutDuration()
	if err != nil {
		return err
	}

	runs, err := Plan(o.cfg)
	if err != nil {
		return err
	}

	if resume {
		done, err := o.ledger.CompletedCombos(o.cfg.Sweep.Name)
		if err != nil {
			return err
		}
		remaining := runs[:0]
		for _, run := range runs {
			if done[run.ComboKey()] {
				logging.SweepDebug("Resume: skipping completed combo %s", run.ComboKey())
				continue
			}
			remaining = append(remaining, run)
		}
		logging.Sweep("Resume: %d of %d runs already succeeded", len(runs)-len(remaining), len(runs))
		runs = remaining
	}

	// Register the plan in the ledger and adopt any existing combo row's ID
	// so attempt history survives re-planning.
	for i := range runs {
		rec := store.RunRecord{
			ID:        runs[i].ID,
			Sweep:     o.cfg.Sweep.Name,
			Scene:     runs[i].Scene,
			Postfix:   runs[i].Postfix,
			Variant:   runs[i].Variant,
			DataDir:   runs[i].DataDir,
			ResultDir: runs[i].ResultDir,
		}
		if err := o.ledger.UpsertRun(rec); err != nil {
			return err
		}
		existing, err := o.ledger.GetRunByCombo(o.cfg.Sweep.Name, runs[i].Scene, runs[i].Postfix, runs[i].Variant)
		if err != nil {
			return err
		}
		if existing != nil {
			runs[i].ID = existing.ID
		}
	}

	o.mu.Lock()
	o.total = len(runs)
	o.completed = 0
	o.failed = 0
	o.mu.Unlock()

	logging.Sweep("=== Starting sweep %s: %d runs on %d GPU(s) ===",
		o.cfg.Sweep.Name, len(runs), len(o.cfg.Execution.GPUs))

	// Live metric ingestion. Failure to watch is never fatal; the
	// end-of-run rescan still lands everything.
	watcher, werr := watch.New()
	if werr != nil {
		logging.SweepWarn("Live stats watching disabled: %v", werr)
		watcher = nil
	} else {
		defer watcher.Close()
		go o.consumeStatsEvents(watcher)
	}

	gpuPool := make(chan string, len(o.cfg.Execution.GPUs))
	for _, gpu := range o.cfg.Execution.GPUs {
		gpuPool <- gpu
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.runHeartbeat(heartbeatCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Execution.Parallelism())

	for _, run := range runs {
		run := run
		g.Go(func() error {
			return o.executeRun(gctx, run, gpuPool, timeout, watcher)
		})
	}

	err = g.Wait()

	completed, failed, total := o.Progress()
	logging.Sweep("=== Sweep %s finished: %d succeeded, %d failed, %d total ===",
		o.cfg.Sweep.Name, completed, failed, total)

	if err != nil {
		return fmt.Errorf("sweep %s: %w", o.cfg.Sweep.Name, err)
	}
	return nil
}

// executeRun leases a GPU slot and drives one run to a terminal status.
func (o *Orchestrator) executeRun(ctx context.Context, run Run, gpuPool chan string, timeout time.Duration, watcher *watch.Watcher) error {
	var gpu string
	select {
	case gpu = <-gpuPool:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { gpuPool <- gpu }()

	if err := os.MkdirAll(run.ResultDir, 0755); err != nil {
		return fmt.Errorf("failed to create result dir for %s: %w", run.Name(), err)
	}

	statsDir := filepath.Join(run.ResultDir, "stats")
	if watcher != nil {
		if err := watcher.Watch(run.ID, statsDir); err != nil {
			logging.SweepWarn("Cannot watch stats for %s: %v", run.Name(), err)
		} else {
			defer watcher.Unwatch(statsDir)
		}
	}

	maxAttempts := o.cfg.Execution.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.ledger.MarkRunning(run.ID); err != nil {
			return err
		}

		logging.Sweep("Run %s [%s] on GPU %s (attempt %d/%d)",
			run.Name(), run.ID, gpu, attempt, maxAttempts)

		cmd := launch.Command{
			Binary:  o.cfg.Trainer.Python,
			Args:    run.Args,
			Env:     []string{"CUDA_VISIBLE_DEVICES=" + gpu},
			Timeout: timeout,
			LogPath: filepath.Join(run.ResultDir, "gsbench_train.log"),
			RunID:   run.ID,
		}

		result, err := o.launcher.Run(ctx, cmd)
		if err != nil {
			// Infrastructure failure: the sweep cannot make progress.
			markErr := o.ledger.MarkFinished(run.ID, store.StatusFailed, -1, 0, err.Error())
			if markErr != nil {
				logging.SweepError("Failed to record run %s failure: %v", run.ID, markErr)
			}
			o.bumpFailed()
			return err
		}

		if result.Killed {
			if ctx.Err() != nil {
				o.finishRun(run, store.StatusKilled, result, "canceled")
				return ctx.Err()
			}
			// Timeout: retrying would just burn another slot for the same
			// wall-clock budget.
			o.finishRun(run, store.StatusKilled, result, result.KillReason)
			o.bumpFailed()
			return nil
		}

		if result.ExitCode == 0 {
			o.finishRun(run, store.StatusSucceeded, result, "")
			o.bumpCompleted()
			return nil
		}

		errMsg := tail(result.Stderr, 500)
		o.finishRun(run, store.StatusFailed, result, errMsg)
		if attempt < maxAttempts {
			logging.SweepWarn("Run %s exited %d, retrying", run.Name(), result.ExitCode)
			continue
		}
	}

	o.bumpFailed()
	return nil
}

// finishRun records the terminal state and ingests whatever stats the run
// managed to write.
func (o *Orchestrator) finishRun(run Run, status string, result *launch.Result, errMsg string) {
	if err := o.ledger.MarkFinished(run.ID, status, result.ExitCode, result.Duration, errMsg); err != nil {
		logging.SweepError("Failed to record run %s state: %v", run.ID, err)
	}

	stats, err := metrics.ScanResultDir(run.ResultDir)
	if err != nil {
		logging.SweepWarn("Failed to scan stats for %s: %v", run.Name(), err)
		return
	}
	if err := o.ledger.IngestStats(run.ID, stats); err != nil {
		logging.SweepWarn("Failed to ingest stats for %s: %v", run.Name(), err)
	}
}

// consumeStatsEvents ingests stats as the trainer writes them.
func (o *Orchestrator) consumeStatsEvents(watcher *watch.Watcher) {
	for event := range watcher.Events() {
		stats := &metrics.RunStats{}
		if eval, err := metrics.ParseEvalFile(event.Path); err == nil {
			stats.Evals = append(stats.Evals, *eval)
		} else if train, err := metrics.ParseTrainFile(event.Path); err == nil {
			stats.Train = append(stats.Train, *train)
		} else {
			// Half-written files end up here; the end-of-run rescan picks
			// them up.
			continue
		}
		if err := o.ledger.IngestStats(event.RunID, stats); err != nil {
			logging.SweepDebug("Live ingest failed for run %s: %v", event.RunID, err)
		}
	}
}

// runHeartbeat logs sweep progress periodically for long-running sweeps.
func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			completed, failed, total := o.Progress()
			logging.Sweep("Heartbeat: %d/%d done, %d failed", completed+failed, total, failed)
		}
	}
}

func (o *Orchestrator) bumpCompleted() {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func (o *Orchestrator) bumpFailed() {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
