// Package metrics parses the stats files the trainer writes under each
// run's result directory and aggregates them into sweep-level summaries.
//
// The trainer emits two families of files into <result_dir>/stats/:
//
//	{val,train}_step%04d.json            evaluation metrics per eval step
//	train_step%04d_rank%d.json           memory/time snapshot per save step
//
// The *_raw_step*.json files hold per-image metric lists and are ignored.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/JacobJEdwards/gsplat/internal/logging"
)

// EvalEntry is one evaluation stats file.
type EvalEntry struct {
	Stage       string  `json:"stage"`
	Step        int     `json:"step"`
	PSNR        float64 `json:"psnr"`
	SSIM        float64 `json:"ssim"`
	LPIPS       float64 `json:"lpips"`
	CCPSNR      float64 `json:"cc_psnr,omitempty"`
	CCSSIM      float64 `json:"cc_ssim,omitempty"`
	CCLPIPS     float64 `json:"cc_lpips,omitempty"`
	EllipseTime float64 `json:"ellipse_time"`
	NumGS       int     `json:"num_GS"`
}

// TrainEntry is one per-rank training snapshot.
type TrainEntry struct {
	Step     int     `json:"step"`
	Rank     int     `json:"rank"`
	MemGB    float64 `json:"mem"`
	ElapsedS float64 `json:"ellipse_time"`
	NumGS    int     `json:"num_GS"`
}

// RunStats holds everything parsed from one result directory.
type RunStats struct {
	Evals []EvalEntry
	Train []TrainEntry
}

var (
	evalFileRe  = regexp.MustCompile(`^(val|train)_step(\d+)\.json$`)
	trainFileRe = regexp.MustCompile(`^train_step(\d+)_rank(\d+)\.json$`)
)

// ScanResultDir parses all stats files under resultDir/stats. A missing
// stats directory is not an error: a run that crashed early has none.
func ScanResultDir(resultDir string) (*RunStats, error) {
	statsDir := filepath.Join(resultDir, "stats")

	entries, err := os.ReadDir(statsDir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.MetricsDebug("No stats directory at %s", statsDir)
			return &RunStats{}, nil
		}
		return nil, fmt.Errorf("failed to read stats directory: %w", err)
	}

	stats := &RunStats{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(statsDir, name)

		if m := evalFileRe.FindStringSubmatch(name); m != nil {
			eval, err := parseEvalFile(path)
			if err != nil {
				logging.MetricsDebug("Skipping unparseable stats file %s: %v", name, err)
				continue
			}
			eval.Stage = m[1]
			eval.Step, _ = strconv.Atoi(m[2])
			stats.Evals = append(stats.Evals, *eval)
			continue
		}

		if m := trainFileRe.FindStringSubmatch(name); m != nil {
			train, err := parseTrainFile(path)
			if err != nil {
				logging.MetricsDebug("Skipping unparseable stats file %s: %v", name, err)
				continue
			}
			train.Step, _ = strconv.Atoi(m[1])
			train.Rank, _ = strconv.Atoi(m[2])
			stats.Train = append(stats.Train, *train)
		}
	}

	sort.Slice(stats.Evals, func(i, j int) bool {
		if stats.Evals[i].Step != stats.Evals[j].Step {
			return stats.Evals[i].Step < stats.Evals[j].Step
		}
		return stats.Evals[i].Stage < stats.Evals[j].Stage
	})
	sort.Slice(stats.Train, func(i, j int) bool {
		if stats.Train[i].Step != stats.Train[j].Step {
			return stats.Train[i].Step < stats.Train[j].Step
		}
		return stats.Train[i].Rank < stats.Train[j].Rank
	})

	logging.Metrics("Scanned %s: %d eval entries, %d train snapshots",
		resultDir, len(stats.Evals), len(stats.Train))
	return stats, nil
}

// ParseEvalFile parses a single eval stats file. The stage and step are
// derived from the filename, not the content.
func ParseEvalFile(path string) (*EvalEntry, error) {
	name := filepath.Base(path)
	m := evalFileRe.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%s is not an eval stats file", name)
	}
	eval, err := parseEvalFile(path)
	if err != nil {
		return nil, err
	}
	eval.Stage = m[1]
	eval.Step, _ = strconv.Atoi(m[2])
	return eval, nil
}

// ParseTrainFile parses a single per-rank training snapshot. The step and
// rank are derived from the filename, not the content.
func ParseTrainFile(path string) (*TrainEntry, error) {
	name := filepath.Base(path)
	m := trainFileRe.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%s is not a train stats file", name)
	}
	train, err := parseTrainFile(path)
	if err != nil {
		return nil, err
	}
	train.Step, _ = strconv.Atoi(m[1])
	train.Rank, _ = strconv.Atoi(m[2])
	return train, nil
}

// IsStatsFile reports whether name looks like a stats file the scanner
// understands. Used by the watcher to filter fsnotify events.
func IsStatsFile(name string) bool {
	base := filepath.Base(name)
	return evalFileRe.MatchString(base) || trainFileRe.MatchString(base)
}

func parseEvalFile(path string) (*EvalEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var eval EvalEntry
	if err := json.Unmarshal(data, &eval); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &eval, nil
}

func parseTrainFile(path string) (*TrainEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var train TrainEntry
	if err := json.Unmarshal(data, &train); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &train, nil
}

// FinalEval returns the highest-step entry for the given stage, or nil.
func FinalEval(evals []EvalEntry, stage string) *EvalEntry {
	var final *EvalEntry
	for i := range evals {
		if evals[i].Stage != stage {
			continue
		}
		if final == nil || evals[i].Step > final.Step {
			final = &evals[i]
		}
	}
	return final
}

// Averages holds sweep-level means over final eval entries.
type Averages struct {
	Runs  int     `json:"runs"`
	PSNR  float64 `json:"psnr"`
	SSIM  float64 `json:"ssim"`
	LPIPS float64 `json:"lpips"`
	NumGS float64 `json:"num_gs"`
}

// Aggregate computes means over a set of eval entries.
func Aggregate(entries []EvalEntry) Averages {
	avg := Averages{Runs: len(entries)}
	if len(entries) == 0 {
		return avg
	}
	for _, e := range entries {
		avg.PSNR += e.PSNR
		avg.SSIM += e.SSIM
		avg.LPIPS += e.LPIPS
		avg.NumGS += float64(e.NumGS)
	}
	n := float64(len(entries))
	avg.PSNR /= n
	avg.SSIM /= n
	avg.LPIPS /= n
	avg.NumGS /= n
	return avg
}
