// Package sweep expands the configured scene/postfix/variant axes into a
// run plan and drives it to completion against the GPU pool.
package sweep

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/JacobJEdwards/gsplat/internal/config"
	"github.com/JacobJEdwards/gsplat/internal/logging"
)

// Run is one planned trainer invocation.
type Run struct {
	// ID is a short unique identifier, also the ledger key.
	ID string `json:"id"`

	Scene   string `json:"scene"`
	Postfix string `json:"postfix"`
	Variant string `json:"variant"`

	// DataDir is <data_root>/<scene><postfix>.
	DataDir string `json:"data_dir"`

	// ResultDir is <result_root>/<sweep>/<scene><postfix>[_<variant>].
	ResultDir string `json:"result_dir"`

	// Args is the full trainer argv after the python binary.
	Args []string `json:"args"`
}

// Name returns the run's directory-friendly name.
func (r Run) Name() string {
	name := r.Scene + r.Postfix
	if r.Variant != "" {
		name += "_" + r.Variant
	}
	return name
}

// ComboKey matches store.RunRecord.ComboKey.
func (r Run) ComboKey() string {
	return r.Scene + "|" + r.Postfix + "|" + r.Variant
}

// Plan expands the sweep axes into ordered runs: scene-major, then postfix,
// then variant, exactly as the nested loops ran. Duplicate combinations are
// dropped.
func Plan(cfg *config.Config) ([]Run, error) {
	if len(cfg.Sweep.Scenes) == 0 {
		return nil, fmt.Errorf("no scenes configured")
	}
	for _, scene := range cfg.Sweep.Scenes {
		if strings.ContainsAny(scene, "/\\") {
			return nil, fmt.Errorf("scene name %q must not contain path separators", scene)
		}
	}

	postfixes := cfg.Sweep.Postfixes
	if len(postfixes) == 0 {
		postfixes = []string{""}
	}
	variants := cfg.Sweep.Variants
	if len(variants) == 0 {
		variants = []Variant{{}}
	}

	seen := make(map[string]bool)
	var runs []Run
	for _, scene := range cfg.Sweep.Scenes {
		for _, postfix := range postfixes {
			for _, variant := range variants {
				run := Run{
					ID:      uuid.New().String()[:8],
					Scene:   scene,
					Postfix: postfix,
					Variant: variant.Name,
				}
				if seen[run.ComboKey()] {
					logging.SweepDebug("Dropping duplicate combo %s", run.ComboKey())
					continue
				}
				seen[run.ComboKey()] = true

				run.DataDir = filepath.Join(cfg.Paths.DataRoot, scene+postfix)
				run.ResultDir = filepath.Join(cfg.Paths.ResultRoot, cfg.Sweep.Name, run.Name())
				run.Args = buildArgs(cfg, run, variant.ExtraArgs)
				runs = append(runs, run)
			}
		}
	}

	logging.Sweep("Planned %d runs (%d scenes x %d postfixes x %d variants)",
		len(runs), len(cfg.Sweep.Scenes), len(postfixes), len(variants))
	return runs, nil
}

// Variant aliases the config type so callers of Plan don't need both
// packages for the common case.
type Variant = config.Variant

// buildArgs assembles the trainer argv. Variant flags come last so they
// override the shared extra args (the trainer takes the last occurrence).
func buildArgs(cfg *config.Config, run Run, variantArgs []string) []string {
	args := []string{
		cfg.Trainer.Script,
		cfg.Trainer.Strategy,
		"--data_dir", run.DataDir,
		"--result_dir", run.ResultDir,
	}
	if cfg.Trainer.DataFactor > 0 {
		args = append(args, "--data_factor", strconv.Itoa(cfg.Trainer.DataFactor))
	}
	args = append(args, cfg.Trainer.ExtraArgs...)
	args = append(args, variantArgs...)
	return args
}
