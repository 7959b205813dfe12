package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenarioDir = "../harness/testdata/scenarios"
	goldenDir   = "../harness/testdata/golden"
)

const failingScenario = `name: wrong_state
description: "Expects a state the context never reaches"
campaign: camp-1
collections: [npcs]
steps:
  - action: disconnect
assertions:
  - type: final_state
    state: active
`

func TestScenarioCommand_PassesWithGolden(t *testing.T) {
	out, _, err := execute(t, "scenario", scenarioDir, "--golden", goldenDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ offline_edits_replay_in_order")
	assert.Contains(t, out, "0 failed")
}

func TestScenarioCommand_Filter(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "scenario", scenarioDir, "--filter", "online_*")
	require.NoError(t, err)
	report := decode[ScenarioReport](t, out)
	require.Equal(t, 1, report.Total)
	assert.Equal(t, "online_write_confirms", report.Scenarios[0].Name)
	assert.True(t, report.Scenarios[0].Pass)
}

func TestScenarioCommand_Failure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wrong_state.yaml")
	require.NoError(t, os.WriteFile(path, []byte(failingScenario), 0644))

	out, _, err := execute(t, "scenario", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_state")
	assert.Contains(t, out, "Expected: active")
}

func TestScenarioCommand_UpdateWritesGolden(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")
	_, _, err := execute(t, "scenario", filepath.Join(scenarioDir, "online_write_confirms.yaml"), "--golden", golden, "--update")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(golden, "online_write_confirms.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "online_write_confirms.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestScenarioCommand_GoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "online_write_confirms.golden"), []byte("{}\n"), 0644))

	out, _, err := execute(t, "scenario", filepath.Join(scenarioDir, "online_write_confirms.yaml"), "--golden", golden)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioCommand_CommandErrors(t *testing.T) {
	_, _, err := execute(t, "scenario", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")

	_, _, err = execute(t, "scenario", scenarioDir, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "scenario")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
