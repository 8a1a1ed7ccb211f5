package inspect

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/bitool/internal/output"
	"github.com/mattjoyce/bitool/internal/runlog"
	"github.com/mattjoyce/bitool/internal/storage"
	"github.com/mattjoyce/bitool/internal/workspace"
)

func newStore(t *testing.T) *runlog.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return runlog.NewStore(db)
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatalf("write dir header: %v", err)
	}
	for name, body := range files {
		hdr := &tar.Header{Name: "./" + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	for _, c := range []interface{ Close() error }{tw, gz, f} {
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func recordedRun(t *testing.T, store *runlog.Store, archive string) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.Start(ctx, "20230115", "ad")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sum, err := output.ChecksumFile(archive)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	info, err := os.Stat(archive)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := store.RecordArtifact(ctx, id, archive, sum, info.Size()); err != nil {
		t.Fatalf("RecordArtifact: %v", err)
	}
	if err := store.Complete(ctx, id, runlog.StateFailed, "close: boom"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return id
}

func TestBuildReportRendersArchive(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	archive := filepath.Join(t.TempDir(), "bitool_result_20230115.tar.gz")
	writeArchive(t, archive, map[string]string{
		"summary.csv": "job_id\n20230115\n",
		"output.log":  "starting\nerror: close: boom\n",
	})
	id := recordedRun(t, store, archive)

	out, err := BuildReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Run ID      : " + id,
		"Tool        : ad",
		"State       : failed",
		"Status      : ok",
		"  - output.log",
		"  - summary.csv",
		"Errors      :\n  - close: boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReportDetectsChecksumMismatch(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	archive := filepath.Join(t.TempDir(), "bitool_result_20230115.tar.gz")
	writeArchive(t, archive, map[string]string{"output.log": ""})
	id := recordedRun(t, store, archive)

	// Replace the archive after the ledger recorded its checksum.
	writeArchive(t, archive, map[string]string{"output.log": "tampered\n"})

	raw, err := BuildJSONReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.ArchiveStatus != ArchiveMismatch {
		t.Fatalf("archive status = %q, want %q", report.ArchiveStatus, ArchiveMismatch)
	}
}

func TestBuildReportMissingArchive(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	archive := filepath.Join(t.TempDir(), "bitool_result_20230115.tar.gz")
	writeArchive(t, archive, map[string]string{"output.log": ""})
	id := recordedRun(t, store, archive)
	if err := os.Remove(archive); err != nil {
		t.Fatalf("remove: %v", err)
	}

	out, err := BuildReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "Status      : missing") {
		t.Fatalf("expected missing status:\n%s", out)
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()

	_, err := BuildReport(context.Background(), newStore(t), "nope")
	if !errors.Is(err, runlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := BuildReport(context.Background(), newStore(t), " "); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestBuildReportWorkspace(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bitool_result_20230115.tar.gz")
	writeArchive(t, archive, map[string]string{"output.log": "log file path: x\n"})
	store := newStore(t)
	id := recordedRun(t, store, archive)

	mgr, err := workspace.NewFSManager(dir)
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}

	out, err := BuildReport(context.Background(), store, id, WithWorkspace(mgr))
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "Workspace   : <removed>") {
		t.Fatalf("report before provisioning:\n%s", out)
	}

	paths, err := mgr.Provision(context.Background(), "20230115")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	raw, err := BuildJSONReport(context.Background(), store, id, WithWorkspace(mgr))
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Workspace == nil || *report.Workspace != paths {
		t.Fatalf("workspace = %+v, want %+v", report.Workspace, paths)
	}

	out, err = BuildReport(context.Background(), store, id)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if strings.Contains(out, "Workspace") {
		t.Fatalf("report without opener mentions workspace:\n%s", out)
	}
}
