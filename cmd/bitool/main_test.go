package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bitool/internal/lock"
	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/runlog"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// fakeWarehouse answers DESCRIBE and SHOW PARTITIONS the way the hive CLI does.
const fakeWarehouse = `#!/bin/sh
case "$1" in
  *gone*)
    echo "FAILED: SemanticException [Error 10001]: Table not found ads.gone" >&2
    exit 17
    ;;
  "SHOW PARTITIONS"*)
    printf 'day=20230101\nday=20230115\nday=20221231\n'
    ;;
  *)
    echo "id	bigint"
    ;;
esac
`

func writeEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	script := filepath.Join(dir, "warehouse.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeWarehouse), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))

	configYAML := fmt.Sprintf(`service:
  log_level: error
job:
  data_path: ./data
state:
  path: ./data/bitool.db
warehouse:
  command: %q
  schema: ads
tools:
  ad:
    tables: [ads.impressions]
    partition_table: ads.impressions
`, "sh "+script)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))
	return configPath
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := cli(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := cli(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, version, info.Version)
}

func TestRunRequiresToolAndJobID(t *testing.T) {
	code, _, stderr := cli(t, "run", "--tool", "ad")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: bitool run")
}

func TestRunAdEndToEnd(t *testing.T) {
	configPath := writeEnv(t)
	dataDir := filepath.Join(filepath.Dir(configPath), "data")

	code, stdout, stderr := cli(t, "run", "--config", configPath, "--tool", "ad", "--job-id", "20230115")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "ad 20230115 finished")
	assert.Contains(t, stdout, filepath.Join(dataDir, "bitool_result_20230115.tar.gz"))
	assert.FileExists(t, filepath.Join(dataDir, "bitool_result_20230115.tar.gz"))

	code, stdout, stderr = cli(t, "runs", "list", "--config", configPath, "--json")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	var runs []*runlog.Run
	require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StateSucceeded, runs[0].State)
	assert.Equal(t, "ad", runs[0].Tool)

	code, stdout, stderr = cli(t, "runs", "show", "--config", configPath, runs[0].ID)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Status      : ok")
	assert.Contains(t, stdout, "summary.csv")
}

func TestRunRefusesLockedJob(t *testing.T) {
	configPath := writeEnv(t)
	dataDir := filepath.Join(filepath.Dir(configPath), "data")

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	locked := strings.Replace(string(data), "  data_path: ./data\n", "  data_path: ./data\n  lock: true\n", 1)
	require.NoError(t, os.WriteFile(configPath, []byte(locked), 0o644))

	held, err := lock.AcquirePIDLock(lock.JobLockPath(dataDir, "20230115"))
	require.NoError(t, err)
	defer held.Release()

	code, _, stderr := cli(t, "run", "--config", configPath, "--tool", "ad", "--job-id", "20230115")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "locked")
	assert.NoFileExists(t, filepath.Join(dataDir, "bitool_result_20230115.tar.gz"))
	assert.NoDirExists(t, filepath.Join(dataDir, "output_20230115"))
}

func TestRunUnknownTool(t *testing.T) {
	configPath := writeEnv(t)

	code, _, stderr := cli(t, "run", "--config", configPath, "--tool", "weekly", "--job-id", "20230115")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown tool")
}

func TestTableCheck(t *testing.T) {
	configPath := writeEnv(t)

	code, stdout, stderr := cli(t, "table", "check", "--config", configPath, "ads.impressions")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "ads.impressions")

	code, stdout, _ = cli(t, "table", "check", "--config", configPath, "ads.impressions", "ads.gone")
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "ads.gone")
}

func TestTableLatest(t *testing.T) {
	configPath := writeEnv(t)

	code, stdout, stderr := cli(t, "table", "latest", "--config", configPath, "ads.impressions")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Equal(t, "20230115\n", stdout)

	code, _, _ = cli(t, "table", "latest", "--config", configPath, "--type", "month", "ads.impressions")
	assert.Equal(t, 2, code)

	// Flags may follow the table name, as in the usage text.
	code, stdout, stderr = cli(t, "table", "latest", "ads.impressions", "--type", "day", "--config", configPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Equal(t, "20230115\n", stdout)

	code, _, _ = cli(t, "table", "latest", "ads.impressions", "--config", configPath, "--type", "month")
	assert.Equal(t, 2, code)
}

func TestParseInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	kind := fs.String("type", "day", "")
	verbose := fs.Bool("v", false, "")

	positional, err := parseInterspersed(fs, []string{"a", "--type", "month", "b", "-v"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, positional)
	assert.Equal(t, "month", *kind)
	assert.True(t, *verbose)
}

func TestConfigLockThenTamper(t *testing.T) {
	configPath := writeEnv(t)

	code, stdout, stderr := cli(t, "config", "lock", "--config", configPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "config.yaml")
	assert.FileExists(t, filepath.Join(filepath.Dir(configPath), ".checksums"))

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("tools_dir: ./tools\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = cli(t, "runs", "list", "--config", configPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to load config")
}

func TestWorkspacePrune(t *testing.T) {
	configPath := writeEnv(t)

	code, stdout, stderr := cli(t, "workspace", "prune", "--config", configPath, "--older-than", "1h")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.True(t, strings.Contains(stdout, "removed 0 workspace dir(s) and 0 archive(s)"), stdout)
}

func TestToolList(t *testing.T) {
	configPath := writeEnv(t)

	code, stdout, stderr := cli(t, "tool", "list", "--config", configPath)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "ad")
	assert.Contains(t, stdout, "built-in")
}
