package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: online_update
description: An update made online is applied in the next cycle.
online: true
seed:
  - collection: tasks
    id: t1
    data: { status: open }
steps:
  - update: { collection: tasks, id: t1, fields: { status: done } }
  - cycle: true
assertions:
  - type: queue_count
    count: 0
  - type: remote_doc
    collection: tasks
    id: t1
    expect: { status: done }
`

const failingScenario = `name: wrong_expectation
description: Expects a value the update never writes.
online: true
seed:
  - collection: tasks
    id: t1
    data: { status: open }
steps:
  - update: { collection: tasks, id: t1, fields: { status: done } }
  - cycle: true
assertions:
  - type: remote_doc
    collection: tasks
    id: t1
    expect: { status: archived }
`

// scenarioDir lays out <dir>/scenarios/*.yaml and returns the scenarios
// directory. Goldens go in <dir>/golden.
func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func runTestCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"test"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCommand(t, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := runTestCommand(t, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := runTestCommand(t, "--format", "json", t.TempDir())
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandPassing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"online_update.yaml": passingScenario})

	out, err := runTestCommand(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ online_update")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"online_update.yaml":     passingScenario,
		"wrong_expectation.yaml": failingScenario,
	})

	out, err := runTestCommand(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "archived")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommandJSON(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"online_update.yaml":     passingScenario,
		"wrong_expectation.yaml": failingScenario,
	})

	out, err := runTestCommand(t, "--format", "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 2)
}

func TestTestCommandFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"online_update.yaml":     passingScenario,
		"wrong_expectation.yaml": failingScenario,
	})

	out, err := runTestCommand(t, dir, "--filter", "online_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"broken.yaml": "name: broken\nsteps: []\n"})

	out, err := runTestCommand(t, dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandGolden(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"online_update.yaml": passingScenario})
	golden := filepath.Join(filepath.Dir(dir), "golden", "online_update.golden")

	out, err := runTestCommand(t, dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), "scenario online_update\n")
	assert.Contains(t, string(data), "succeeded op-0001 UpdateEntity tasks/t1")

	// Matching golden passes.
	_, err = runTestCommand(t, dir)
	require.NoError(t, err)

	// A drifted golden fails.
	require.NoError(t, os.WriteFile(golden, []byte("scenario online_update\n"), 0o644))
	out, err = runTestCommand(t, dir)
	require.Error(t, err)
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandRepositoryScenarios(t *testing.T) {
	out, err := runTestCommand(t, filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "All scenarios passed")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"a.yaml":    passingScenario,
		"b.yml":     passingScenario,
		"notes.txt": "not a scenario",
	})

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"flaky-one.yaml": passingScenario,
		"flaky-two.yaml": passingScenario,
		"steady.yaml":    passingScenario,
	})

	files, err := findScenarioFiles(dir, "flaky-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	dir := scenarioDir(t, nil)
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "deep.yaml"), []byte(passingScenario), 0o644))

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(sub, "deep.yaml"), files[0])
}

func TestGoldenFilePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"testdata/scenarios/basic.yaml", "testdata/golden/basic.golden"},
		{"/abs/scenarios/flaky.yml", "/abs/golden/flaky.golden"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.expected), goldenFilePath(filepath.FromSlash(tt.input)))
		})
	}
}
