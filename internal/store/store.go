// Package store persists the run ledger in SQLite. Every trainer launch
// gets a row in runs; eval metrics and training snapshots parsed from the
// result tree are attached to it so status and report work without
// re-walking the filesystem.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/JacobJEdwards/gsplat/internal/logging"
	"github.com/JacobJEdwards/gsplat/internal/metrics"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// RunRecord is one row of the run ledger.
type RunRecord struct {
	ID         string `json:"id"`
	Sweep      string `json:"sweep"`
	Scene      string `json:"scene"`
	Postfix    string `json:"postfix"`
	Variant    string `json:"variant"`
	DataDir    string `json:"data_dir"`
	ResultDir  string `json:"result_dir"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Attempts   int    `json:"attempts"`
	StartedAt  int64  `json:"started_at,omitempty"`  // unix ms
	FinishedAt int64  `json:"finished_at,omitempty"` // unix ms
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ComboKey identifies a run by its sweep axes rather than its UUID, so a
// resumed sweep can match re-planned runs against the ledger.
func (r RunRecord) ComboKey() string {
	return r.Scene + "|" + r.Postfix + "|" + r.Variant
}

// RunStore implements the ledger using SQLite.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*RunStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening run ledger at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &RunStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.StoreDebug("Run ledger schema ready")
	return s, nil
}

// initialize creates the required tables.
func (s *RunStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		sweep       TEXT NOT NULL,
		scene       TEXT NOT NULL,
		postfix     TEXT NOT NULL DEFAULT '',
		variant     TEXT NOT NULL DEFAULT '',
		data_dir    TEXT NOT NULL,
		result_dir  TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		exit_code   INTEGER NOT NULL DEFAULT -1,
		attempts    INTEGER NOT NULL DEFAULT 0,
		started_at  INTEGER,
		finished_at INTEGER,
		duration_ms INTEGER,
		error       TEXT NOT NULL DEFAULT '',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_runs_sweep ON runs(sweep);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_combo ON runs(sweep, scene, postfix, variant);

	CREATE TABLE IF NOT EXISTS eval_metrics (
		run_id       TEXT NOT NULL REFERENCES runs(id),
		stage        TEXT NOT NULL,
		step         INTEGER NOT NULL,
		psnr         REAL NOT NULL,
		ssim         REAL NOT NULL,
		lpips        REAL NOT NULL,
		cc_psnr      REAL NOT NULL DEFAULT 0,
		cc_ssim      REAL NOT NULL DEFAULT 0,
		cc_lpips     REAL NOT NULL DEFAULT 0,
		ellipse_time REAL NOT NULL DEFAULT 0,
		num_gs       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, stage, step)
	);

	CREATE TABLE IF NOT EXISTS train_stats (
		run_id    TEXT NOT NULL REFERENCES runs(id),
		step      INTEGER NOT NULL,
		world_rank INTEGER NOT NULL,
		mem_gb    REAL NOT NULL DEFAULT 0,
		elapsed_s REAL NOT NULL DEFAULT 0,
		num_gs    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, step, world_rank)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// UpsertRun inserts a planned run, or reclaims the existing combo row
// (keeping its attempt history) when re-planning the same sweep.
func (s *RunStore) UpsertRun(r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, sweep, scene, postfix, variant, data_dir, result_dir, status, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, -1)
		ON CONFLICT(sweep, scene, postfix, variant) DO UPDATE SET
			data_dir = excluded.data_dir,
			result_dir = excluded.result_dir`,
		r.ID, r.Sweep, r.Scene, r.Postfix, r.Variant, r.DataDir, r.ResultDir, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", r.ID, err)
	}
	logging.StoreDebug("Upserted run %s (%s%s %s)", r.ID, r.Scene, r.Postfix, r.Variant)
	return nil
}

// MarkRunning transitions a run to running and bumps its attempt count.
func (s *RunStore) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, attempts = attempts + 1, started_at = ?,
			finished_at = NULL, duration_ms = NULL, error = ''
		WHERE id = ?`,
		StatusRunning, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark run %s running: %w", id, err)
	}
	return nil
}

// MarkFinished records the terminal state of a run.
func (s *RunStore) MarkFinished(id, status string, exitCode int, duration time.Duration, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, exit_code = ?, finished_at = ?, duration_ms = ?, error = ?
		WHERE id = ?`,
		status, exitCode, time.Now().UnixMilli(), duration.Milliseconds(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark run %s %s: %w", id, status, err)
	}
	logging.Store("Run %s -> %s (exit=%d)", id, status, exitCode)
	return nil
}

// GetRun fetches one run by ID.
func (s *RunStore) GetRun(id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, sweep, scene, postfix, variant, data_dir, result_dir, status,
			exit_code, attempts, COALESCE(started_at, 0), COALESCE(finished_at, 0),
			COALESCE(duration_ms, 0), error
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunByCombo fetches the ledger row for a combo, if any.
func (s *RunStore) GetRunByCombo(sweep, scene, postfix, variant string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, sweep, scene, postfix, variant, data_dir, result_dir, status,
			exit_code, attempts, COALESCE(started_at, 0), COALESCE(finished_at, 0),
			COALESCE(duration_ms, 0), error
		FROM runs WHERE sweep = ? AND scene = ? AND postfix = ? AND variant = ?`,
		sweep, scene, postfix, variant)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var r RunRecord
	err := row.Scan(&r.ID, &r.Sweep, &r.Scene, &r.Postfix, &r.Variant,
		&r.DataDir, &r.ResultDir, &r.Status, &r.ExitCode, &r.Attempts,
		&r.StartedAt, &r.FinishedAt, &r.DurationMs, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	return &r, nil
}

// ListRuns returns all runs for a sweep in plan order (scene-major, by
// creation time since the planner inserts in order).
func (s *RunStore) ListRuns(sweep string) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, sweep, scene, postfix, variant, data_dir, result_dir, status,
			exit_code, attempts, COALESCE(started_at, 0), COALESCE(finished_at, 0),
			COALESCE(duration_ms, 0), error
		FROM runs WHERE sweep = ? ORDER BY rowid`, sweep)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListSweeps returns the distinct sweep names in the ledger.
func (s *RunStore) ListSweeps() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT sweep FROM runs ORDER BY sweep`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		sweeps = append(sweeps, name)
	}
	return sweeps, rows.Err()
}

// CompletedCombos returns the combo keys already succeeded in a sweep.
// Used by resume to skip finished work.
func (s *RunStore) CompletedCombos(sweep string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT scene, postfix, variant FROM runs
		WHERE sweep = ? AND status = ?`, sweep, StatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed combos: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var scene, postfix, variant string
		if err := rows.Scan(&scene, &postfix, &variant); err != nil {
			return nil, err
		}
		done[scene+"|"+postfix+"|"+variant] = true
	}
	return done, rows.Err()
}

// IngestStats stores parsed metrics for a run, replacing earlier rows for
// the same step so re-ingestion after resume is idempotent.
func (s *RunStore) IngestStats(runID string, stats *metrics.RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range stats.Evals {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO eval_metrics
				(run_id, stage, step, psnr, ssim, lpips, cc_psnr, cc_ssim, cc_lpips, ellipse_time, num_gs)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.Stage, e.Step, e.PSNR, e.SSIM, e.LPIPS,
			e.CCPSNR, e.CCSSIM, e.CCLPIPS, e.EllipseTime, e.NumGS)
		if err != nil {
			return fmt.Errorf("failed to insert eval metric: %w", err)
		}
	}

	for _, t := range stats.Train {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO train_stats (run_id, step, world_rank, mem_gb, elapsed_s, num_gs)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, t.Step, t.Rank, t.MemGB, t.ElapsedS, t.NumGS)
		if err != nil {
			return fmt.Errorf("failed to insert train stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats: %w", err)
	}
	logging.StoreDebug("Ingested %d eval + %d train rows for run %s",
		len(stats.Evals), len(stats.Train), runID)
	return nil
}

// EvalMetrics returns all eval metrics for a run ordered by step.
func (s *RunStore) EvalMetrics(runID string) ([]metrics.EvalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT stage, step, psnr, ssim, lpips, cc_psnr, cc_ssim, cc_lpips, ellipse_time, num_gs
		FROM eval_metrics WHERE run_id = ? ORDER BY step, stage`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query eval metrics: %w", err)
	}
	defer rows.Close()

	var entries []metrics.EvalEntry
	for rows.Next() {
		var e metrics.EvalEntry
		if err := rows.Scan(&e.Stage, &e.Step, &e.PSNR, &e.SSIM, &e.LPIPS,
			&e.CCPSNR, &e.CCSSIM, &e.CCLPIPS, &e.EllipseTime, &e.NumGS); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TrainStats returns all training snapshots for a run ordered by step.
func (s *RunStore) TrainStats(runID string) ([]metrics.TrainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT step, world_rank, mem_gb, elapsed_s, num_gs
		FROM train_stats WHERE run_id = ? ORDER BY step, world_rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query train stats: %w", err)
	}
	defer rows.Close()

	var entries []metrics.TrainEntry
	for rows.Next() {
		var t metrics.TrainEntry
		if err := rows.Scan(&t.Step, &t.Rank, &t.MemGB, &t.ElapsedS, &t.NumGS); err != nil {
			return nil, err
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// SummaryRow is one run with its final validation metrics.
type SummaryRow struct {
	Run   RunRecord          `json:"run"`
	Final *metrics.EvalEntry `json:"final,omitempty"`
}

// SweepSummary returns every run of a sweep with its highest-step val
// metrics attached (nil when the run produced none).
func (s *RunStore) SweepSummary(sweep string) ([]SummaryRow, error) {
	runs, err := s.ListRuns(sweep)
	if err != nil {
		return nil, err
	}

	summary := make([]SummaryRow, 0, len(runs))
	for _, run := range runs {
		evals, err := s.EvalMetrics(run.ID)
		if err != nil {
			return nil, err
		}
		summary = append(summary, SummaryRow{
			Run:   run,
			Final: metrics.FinalEval(evals, "val"),
		})
	}
	return summary, nil
}
