package tools

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/bitool/internal/config"
	"github.com/mattjoyce/bitool/internal/job"
	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/plugin"
	"github.com/mattjoyce/bitool/internal/warehouse/mocks"
	"github.com/mattjoyce/bitool/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func newJob(t *testing.T, opts ...job.Option) *job.Job {
	t.Helper()
	j, st := job.New(context.Background(), job.Context{DataPath: t.TempDir(), JobID: "20230115"}, opts...)
	require.False(t, st.Degraded(), "startup degraded: %v", st.Reason)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func archiveContents(t *testing.T, path string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)

	out := make(map[string]string)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"ad"}, r.Names())

	tool, err := r.New("ad", config.ToolConf{})
	require.NoError(t, err)
	assert.IsType(t, &Ad{}, tool)
	assert.Equal(t, "ad", job.ToolName(tool))

	_, err = r.New("nope", config.ToolConf{})
	assert.ErrorIs(t, err, ErrUnknownTool)

	assert.Error(t, r.Register("ad", func(config.ToolConf) job.Tool { return job.BaseTool{} }))
	assert.Error(t, r.Register("", func(config.ToolConf) job.Tool { return job.BaseTool{} }))
}

func TestAdPipeline(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().DescribeTable(gomock.Any(), "ads.impressions").Return("id bigint", nil)
	client.EXPECT().ShowPartitions(gomock.Any(), "ads.impressions").
		Return("day=20230101\nday=20230115\nday=20221231\n", nil)

	j := newJob(t, job.WithWarehouse(client))
	ad := NewAd(config.ToolConf{
		Tables:         []string{"ads.impressions"},
		PartitionTable: "ads.impressions",
		Outputs:        []string{"not-written.csv"},
	})

	require.NoError(t, job.Run(context.Background(), ad, j))

	archive := filepath.Join(j.Context().DataPath, "bitool_result_20230115.tar.gz")
	members := archiveContents(t, archive)
	assert.Contains(t, members, "./output.log")
	assert.NotContains(t, members, "./not-written.csv")
	assert.Equal(t,
		"job_id,tables,partition_table,part_type,partition_count,latest_partition\n"+
			"20230115,1,ads.impressions,day,3,20230115\n",
		members["./summary.csv"])

	// Scratch is cleared after the run.
	_, err := os.Stat(j.Paths().ScratchDir)
	assert.True(t, os.IsNotExist(err))
}

type countingManager struct {
	*workspace.FSManager
	removed []string
}

func (m *countingManager) RemoveScratch(ctx context.Context, jobID string) error {
	m.removed = append(m.removed, jobID)
	return m.FSManager.RemoveScratch(ctx, jobID)
}

func TestAdClearUsesJobWorkspaceManager(t *testing.T) {
	fs, err := workspace.NewFSManager(t.TempDir())
	require.NoError(t, err)
	mgr := &countingManager{FSManager: fs}

	j, st := job.New(context.Background(), job.Context{DataPath: fs.DataPath(), JobID: "20230115"}, job.WithWorkspace(mgr))
	require.False(t, st.Degraded(), "startup degraded: %v", st.Reason)
	defer j.Close()

	require.NoError(t, NewAd(config.ToolConf{}).Clear(context.Background(), j))
	assert.Equal(t, []string{"20230115"}, mgr.removed)
	assert.NoDirExists(t, j.Paths().ScratchDir)
}

func TestAdMissingDependencies(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().DescribeTable(gomock.Any(), "ads.gone").Return("FAILED: Table not found ads.gone", nil)

	j := newJob(t, job.WithWarehouse(client))
	outputLog := j.LogPaths().OutputLogPath

	err := job.Run(context.Background(), NewAd(config.ToolConf{Tables: []string{"ads.gone"}}), j)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingDependencies)

	data, readErr := os.ReadFile(outputLog)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "error: pipeline: missing dependencies: ads.gone\n")
}

func TestAdNoPartition(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().ShowPartitions(gomock.Any(), "ads.impressions").Return("month=202301\n", nil)

	j := newJob(t, job.WithWarehouse(client))

	err := job.Run(context.Background(), NewAd(config.ToolConf{PartitionTable: "ads.impressions"}), j)
	assert.ErrorIs(t, err, ErrNoPartition)
}

func TestAdWithoutWarehouseConfig(t *testing.T) {
	j := newJob(t)

	require.NoError(t, job.Run(context.Background(), NewAd(config.ToolConf{}), j))
	archive := filepath.Join(j.Context().DataPath, "bitool_result_20230115.tar.gz")
	assert.Contains(t, archiveContents(t, archive), "./summary.csv")
}

const okScript = `#!/bin/sh
req=$(cat)
dir=$(printf '%s' "$req" | sed 's/.*"result_dir":"\([^"]*\)".*/\1/')
day=$(printf '%s' "$req" | sed 's/.*"ads.impressions":"\([0-9]*\)".*/\1/')
echo "day,$day" > "$dir/report.csv"
echo "to stderr" >&2
echo '{"status":"ok","outputs":["report.csv"],"logs":[{"level":"debug","message":"wrote report"},{"level":"info","message":"done"}]}'
`

func writeScriptTool(t *testing.T, root, name, body, extraManifest string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "name: " + name + "\nprotocol: 1\nentrypoint: run.sh\n" + extraManifest
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(body), 0o755))
}

func discover(t *testing.T, root string) *Registry {
	t.Helper()
	scripts, err := plugin.Discover(root, nil)
	require.NoError(t, err)
	r := NewRegistry()
	require.Empty(t, r.AddScripts(scripts))
	return r
}

func TestScriptToolPipeline(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "daily-report", okScript, "")
	r := discover(t, root)
	assert.Equal(t, []string{"ad", "daily-report"}, r.Names())

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().ShowPartitions(gomock.Any(), "ads.impressions").Return("day=20230114\nday=20230115\n", nil)

	tool, err := r.New("daily-report", config.ToolConf{PartitionTable: "ads.impressions"})
	require.NoError(t, err)

	j := newJob(t, job.WithWarehouse(client))
	debugLog := j.LogPaths().DebugLogPath
	require.NoError(t, job.Run(context.Background(), tool, j))

	archive := filepath.Join(j.Context().DataPath, "bitool_result_20230115.tar.gz")
	assert.Equal(t, "day,20230115\n", archiveContents(t, archive)["./report.csv"])

	data, err := os.ReadFile(debugLog)
	require.NoError(t, err)
	assert.Contains(t, string(data), "wrote report")
	assert.Contains(t, string(data), "to stderr")
}

func TestScriptToolErrorResponse(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "fails", "#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"error\",\"error\":\"no rows\"}'\n", "")
	r := discover(t, root)

	tool, err := r.New("fails", config.ToolConf{})
	require.NoError(t, err)

	err = job.Run(context.Background(), tool, newJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rows")
}

func TestScriptToolBadOutput(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "noisy", "#!/bin/sh\ncat >/dev/null\necho hello\n", "")
	r := discover(t, root)

	tool, err := r.New("noisy", config.ToolConf{})
	require.NoError(t, err)

	err = job.Run(context.Background(), tool, newJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestScriptToolNonZeroExit(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "crash", "#!/bin/sh\ncat >/dev/null\nexit 4\n", "")
	r := discover(t, root)

	tool, err := r.New("crash", config.ToolConf{})
	require.NoError(t, err)

	err = job.Run(context.Background(), tool, newJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with status 4")
}

func TestScriptToolMissingConfigKeys(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "needs-region", okScript, "config_keys:\n  required: [region]\n")
	r := discover(t, root)

	tool, err := r.New("needs-region", config.ToolConf{})
	require.NoError(t, err)

	err = job.Run(context.Background(), tool, newJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing config keys [region]")
}

func TestAddScriptsSkipsBuiltinNames(t *testing.T) {
	root := t.TempDir()
	writeScriptTool(t, root, "ad", okScript, "")

	scripts, err := plugin.Discover(root, nil)
	require.NoError(t, err)

	r := NewRegistry()
	errs := r.AddScripts(scripts)
	require.Len(t, errs, 1)
	tool, err := r.New("ad", config.ToolConf{})
	require.NoError(t, err)
	assert.IsType(t, &Ad{}, tool)
}
