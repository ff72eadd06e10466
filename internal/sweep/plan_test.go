package sweep

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobJEdwards/gsplat/internal/config"
)

func planConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sweep.Name = "test"
	cfg.Sweep.Scenes = []string{"garden", "bicycle"}
	cfg.Sweep.Postfixes = []string{"", "_low"}
	cfg.Sweep.Variants = nil
	cfg.Paths.DataRoot = "data"
	cfg.Paths.ResultRoot = "results"
	return cfg
}

func TestPlan_CartesianProduct(t *testing.T) {
	runs, err := Plan(planConfig())
	require.NoError(t, err)
	require.Len(t, runs, 4)

	got := make([]Run, len(runs))
	copy(got, runs)

	want := []Run{
		{Scene: "garden", Postfix: ""},
		{Scene: "garden", Postfix: "_low"},
		{Scene: "bicycle", Postfix: ""},
		{Scene: "bicycle", Postfix: "_low"},
	}

	ignore := cmpopts.IgnoreFields(Run{}, "ID", "DataDir", "ResultDir", "Args")
	if diff := cmp.Diff(want, got, ignore); diff != "" {
		t.Errorf("plan order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_Paths(t *testing.T) {
	runs, err := Plan(planConfig())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("data", "garden"), runs[0].DataDir)
	assert.Equal(t, filepath.Join("results", "test", "garden"), runs[0].ResultDir)
	assert.Equal(t, filepath.Join("data", "garden_low"), runs[1].DataDir)
	assert.Equal(t, filepath.Join("results", "test", "garden_low"), runs[1].ResultDir)
}

func TestPlan_Args(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = []string{"garden"}
	cfg.Sweep.Postfixes = nil
	cfg.Trainer.Strategy = "mcmc"
	cfg.Trainer.DataFactor = 4
	cfg.Trainer.ExtraArgs = []string{"--max_steps", "30000"}
	cfg.Sweep.Variants = []Variant{
		{Name: "cap1m", ExtraArgs: []string{"--strategy.cap-max", "1000000"}},
	}

	runs, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	want := []string{
		cfg.Trainer.Script, "mcmc",
		"--data_dir", filepath.Join("data", "garden"),
		"--result_dir", filepath.Join("results", "test", "garden_cap1m"),
		"--data_factor", "4",
		"--max_steps", "30000",
		"--strategy.cap-max", "1000000",
	}
	if diff := cmp.Diff(want, runs[0].Args); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_VariantNameInResultDir(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = []string{"garden"}
	cfg.Sweep.Postfixes = []string{"_low"}
	cfg.Sweep.Variants = []Variant{{Name: "mcmc"}}

	runs, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	assert.Equal(t, "garden_low_mcmc", runs[0].Name())
	assert.Equal(t, filepath.Join("results", "test", "garden_low_mcmc"), runs[0].ResultDir)
	// The variant name changes the result dir, never the data dir.
	assert.Equal(t, filepath.Join("data", "garden_low"), runs[0].DataDir)
}

func TestPlan_DeduplicatesCombos(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = []string{"garden", "garden"}
	cfg.Sweep.Postfixes = []string{""}

	runs, err := Plan(cfg)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPlan_EmptyAxesDefaultToSingleRun(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = []string{"garden"}
	cfg.Sweep.Postfixes = nil
	cfg.Sweep.Variants = nil

	runs, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "garden", runs[0].Name())
}

func TestPlan_RejectsPathSeparators(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = []string{"../../etc"}

	_, err := Plan(cfg)
	assert.Error(t, err)
}

func TestPlan_NoScenes(t *testing.T) {
	cfg := planConfig()
	cfg.Sweep.Scenes = nil

	_, err := Plan(cfg)
	assert.Error(t, err)
}

func TestPlan_UniqueShortIDs(t *testing.T) {
	runs, err := Plan(planConfig())
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, run := range runs {
		assert.Len(t, run.ID, 8)
		assert.False(t, seen[run.ID], "duplicate run ID %s", run.ID)
		seen[run.ID] = true
	}
}
