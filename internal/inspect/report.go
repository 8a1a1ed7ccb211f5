// Package inspect renders what a recorded run delivered: its ledger row, the
// members of its archive and the errors its output.log reported.
package inspect

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/output"
	"github.com/mattjoyce/bitool/internal/runlog"
	"github.com/mattjoyce/bitool/internal/workspace"
)

// RunReader reads one run from the ledger.
type RunReader interface {
	Get(ctx context.Context, runID string) (*runlog.Run, error)
}

// WorkspaceOpener resolves the live workspace of a job without touching it.
type WorkspaceOpener interface {
	Open(ctx context.Context, jobID string) (workspace.Paths, error)
}

// Option adjusts what a report gathers.
type Option func(*reportOptions)

type reportOptions struct {
	workspaces WorkspaceOpener
}

// WithWorkspace adds the job's workspace directories to the report when they
// are still on disk.
func WithWorkspace(w WorkspaceOpener) Option {
	return func(o *reportOptions) { o.workspaces = w }
}

// ArchiveStatus describes the archive on disk relative to the ledger.
type ArchiveStatus string

const (
	ArchiveNone     ArchiveStatus = "none"
	ArchiveMissing  ArchiveStatus = "missing"
	ArchiveOK       ArchiveStatus = "ok"
	ArchiveMismatch ArchiveStatus = "checksum_mismatch"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	Run           *runlog.Run      `json:"run"`
	ArchiveStatus ArchiveStatus    `json:"archive_status"`
	Members       []string         `json:"members,omitempty"`
	Errors        []string         `json:"errors,omitempty"`
	Workspace     *workspace.Paths `json:"workspace,omitempty"`

	workspaceChecked bool
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, runs RunReader, runID string, opts ...Option) (string, error) {
	report, err := gatherReportData(ctx, runs, runID, opts)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", run.ID)
	fmt.Fprintf(&out, "Job ID      : %s\n", run.JobID)
	fmt.Fprintf(&out, "Tool        : %s\n", run.Tool)
	fmt.Fprintf(&out, "State       : %s\n", run.State)
	fmt.Fprintf(&out, "Started     : %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", run.CompletedAt.Format(time.RFC3339),
			run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	} else {
		fmt.Fprintf(&out, "Completed   : <running>\n")
	}
	if run.Degraded {
		fmt.Fprintf(&out, "Degraded    : %s\n", renderUnset(run.DegradedReason, "yes"))
	}
	if run.LastError != "" {
		fmt.Fprintf(&out, "Last error  : %s\n", run.LastError)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Archive     : %s\n", renderUnset(run.ArchivePath, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.ArchiveStatus)
	if run.ArchiveChecksum != "" {
		fmt.Fprintf(&out, "BLAKE3      : %s\n", run.ArchiveChecksum)
	}
	if len(report.Members) > 0 {
		fmt.Fprintf(&out, "Members     :\n")
		for _, m := range report.Members {
			fmt.Fprintf(&out, "  - %s\n", m)
		}
	}
	if len(report.Errors) > 0 {
		fmt.Fprintf(&out, "Errors      :\n")
		for _, e := range report.Errors {
			fmt.Fprintf(&out, "  - %s\n", e)
		}
	}
	if report.workspaceChecked {
		fmt.Fprintf(&out, "\n")
		if ws := report.Workspace; ws != nil {
			fmt.Fprintf(&out, "Workspace   : live\n")
			for _, dir := range ws.All() {
				fmt.Fprintf(&out, "  - %s\n", dir)
			}
		} else {
			fmt.Fprintf(&out, "Workspace   : <removed>\n")
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, runs RunReader, runID string, opts ...Option) (string, error) {
	report, err := gatherReportData(ctx, runs, runID, opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, runs RunReader, runID string, opts []Option) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	var o reportOptions
	for _, opt := range opts {
		opt(&o)
	}

	run, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{Run: run, ArchiveStatus: ArchiveNone}
	if o.workspaces != nil {
		report.workspaceChecked = true
		if paths, err := o.workspaces.Open(ctx, run.JobID); err == nil {
			report.Workspace = &paths
		}
	}
	if run.ArchivePath == "" {
		return report, nil
	}

	if _, err := os.Stat(run.ArchivePath); errors.Is(err, os.ErrNotExist) {
		report.ArchiveStatus = ArchiveMissing
		return report, nil
	}

	sum, err := output.ChecksumFile(run.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("checksum archive: %w", err)
	}
	report.ArchiveStatus = ArchiveOK
	if run.ArchiveChecksum != "" && sum != run.ArchiveChecksum {
		report.ArchiveStatus = ArchiveMismatch
	}

	members, outputLog, err := readArchive(run.ArchivePath)
	if err != nil {
		return nil, err
	}
	report.Members = members
	report.Errors = errorLines(outputLog)
	return report, nil
}

// readArchive lists the regular files of a .tar.gz and returns the content
// of its output.log.
func readArchive(path string) ([]string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("read archive %s: %w", path, err)
	}
	defer gz.Close()

	var members []string
	var outputLog string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("read archive %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		members = append(members, name)
		if name == log.DefaultOutputFileName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, "", fmt.Errorf("read %s: %w", name, err)
			}
			outputLog = string(data)
		}
	}
	sort.Strings(members)
	return members, outputLog, nil
}

func errorLines(outputLog string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(outputLog))
	for sc.Scan() {
		if msg, ok := strings.CutPrefix(sc.Text(), "error: "); ok {
			lines = append(lines, msg)
		}
	}
	return lines
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
