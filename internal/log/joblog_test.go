package log

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJobDirs(t *testing.T) (string, string) {
	t.Helper()

	base := t.TempDir()
	resultDir := filepath.Join(base, "result_1")
	outputDir := filepath.Join(base, "output_1")
	require.NoError(t, os.Mkdir(resultDir, 0o755))
	require.NoError(t, os.Mkdir(outputDir, 0o755))
	return resultDir, outputDir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestConfigureWritesProvenanceLineFirst(t *testing.T) {
	resultDir, outputDir := newJobDirs(t)

	jl, err := Configure(resultDir, outputDir, DefaultLogConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jl.Close() })

	paths := jl.Paths()
	assert.Equal(t, filepath.Join(resultDir, "debug.log"), paths.DebugLogPath)
	assert.Equal(t, filepath.Join(outputDir, "output.log"), paths.OutputLogPath)
	assert.Equal(t, "output.log", paths.OutputLogFileName)

	require.NoError(t, jl.AppendOutput("user facing line"))

	lines := readLines(t, paths.OutputLogPath)
	require.Len(t, lines, 2)
	assert.Equal(t, "log file path: "+paths.DebugLogPath, lines[0])
	assert.Equal(t, "user facing line", lines[1])
}

func TestConfigureAppendsToExistingOutputLog(t *testing.T) {
	resultDir, outputDir := newJobDirs(t)
	outputLog := filepath.Join(outputDir, "output.log")
	require.NoError(t, os.WriteFile(outputLog, []byte("earlier\n"), 0o644))

	jl, err := Configure(resultDir, outputDir, LogConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = jl.Close() })

	lines := readLines(t, outputLog)
	require.Len(t, lines, 2)
	assert.Equal(t, "earlier", lines[0])
	assert.Equal(t, "log file path: "+filepath.Join(resultDir, "debug.log"), lines[1])
}

func TestConfigureFailsWithoutOutputDir(t *testing.T) {
	resultDir, _ := newJobDirs(t)

	_, err := Configure(resultDir, filepath.Join(t.TempDir(), "missing"), DefaultLogConfig())
	assert.Error(t, err)
}

func TestConfigureFailsWithoutResultDir(t *testing.T) {
	_, outputDir := newJobDirs(t)

	_, err := Configure(filepath.Join(t.TempDir(), "missing"), outputDir, DefaultLogConfig())
	assert.Error(t, err)
}

func TestLogOnlyWritesDebugLevel(t *testing.T) {
	resultDir, outputDir := newJobDirs(t)

	jl, err := Configure(resultDir, outputDir, DefaultLogConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jl.Close() })

	jl.Log("dropped info", "info")
	jl.Log("dropped error", "error")
	jl.Log("dropped upper", "DEBUG")
	jl.Log("kept message", "debug")
	require.NoError(t, jl.Close())

	data, err := os.ReadFile(jl.Paths().DebugLogPath)
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "kept message")
	assert.NotContains(t, out, "dropped")
	assert.Equal(t, 1, strings.Count(out, "[default:DEBUG("))
}

func TestLogAttributesCaller(t *testing.T) {
	resultDir, outputDir := newJobDirs(t)

	jl, err := Configure(resultDir, outputDir, DefaultLogConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jl.Close() })

	jl.Log("from the test", "debug")
	require.NoError(t, jl.Close())

	lines := readLines(t, jl.Paths().DebugLogPath)
	require.Len(t, lines, 2)

	header := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},\d{3}\]\[MainThread:\d+\]\[default:DEBUG\(\d+\)\]$`)
	assert.Regexp(t, header, lines[0])
	assert.Equal(t, "[joblog_test:TestLogAttributesCaller]:from the test", lines[1])
}

func TestDebugHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewDebugHandler(&buf, "bitool", slog.LevelInfo))

	l.Debug("below level")
	l.With("table", "events").WithGroup("q").Warn("slow query", "seconds", 12)

	out := buf.String()
	assert.NotContains(t, out, "below level")
	assert.Contains(t, out, "[bitool:WARNING(")
	assert.Contains(t, out, "[joblog_test:TestDebugHandlerFormat]:slow query table=events q.seconds=12\n")
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, 5, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.Equal(t, "debug.log", cfg.DebugFileName)
	assert.Equal(t, "output.log", cfg.OutputFileName)
	assert.Equal(t, "default", cfg.LoggerName)
}
