package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ArchivePrefix and ArchiveSuffix bracket the job ID in the delivered archive name.
const (
	ArchivePrefix = "bitool_result_"
	ArchiveSuffix = ".tar.gz"
)

// FSManager manages per-job workspace directories on local disk.
type FSManager struct {
	dataPath string
	now      func() time.Time
}

var _ Manager = (*FSManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at dataPath.
func NewFSManager(dataPath string) (*FSManager, error) {
	trimmed := strings.TrimSpace(dataPath)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace data path is empty")
	}

	return &FSManager{
		dataPath: filepath.Clean(trimmed),
		now:      time.Now,
	}, nil
}

// DataPath returns the directory all workspaces live under.
func (m *FSManager) DataPath() string { return m.dataPath }

// Provision removes any directory left at each workspace path and recreates it
// empty. Two runs sharing a data path and job ID must not provision
// concurrently.
func (m *FSManager) Provision(ctx context.Context, jobID string) (Paths, error) {
	if err := checkRequest(ctx, "provision", m.dataPath, jobID); err != nil {
		return Paths{}, err
	}

	if err := os.MkdirAll(m.dataPath, 0o755); err != nil {
		return Paths{}, &Error{Op: "create data path", Path: m.dataPath, Err: err}
	}

	paths := PathsFor(m.dataPath, jobID)
	for _, dir := range paths.All() {
		if err := ctx.Err(); err != nil {
			return Paths{}, &Error{Op: "provision", Path: dir, Err: err}
		}
		if err := resetDir(dir); err != nil {
			return Paths{}, err
		}
	}

	return paths, nil
}

// Open returns the workspace paths for jobID after checking they exist.
func (m *FSManager) Open(ctx context.Context, jobID string) (Paths, error) {
	if err := checkRequest(ctx, "open", m.dataPath, jobID); err != nil {
		return Paths{}, err
	}

	paths := PathsFor(m.dataPath, jobID)
	for _, dir := range paths.All() {
		info, err := os.Stat(dir)
		if err != nil {
			return Paths{}, &Error{Op: "open", Path: dir, Err: err}
		}
		if !info.IsDir() {
			return Paths{}, &Error{Op: "open", Path: dir, Err: fmt.Errorf("not a directory")}
		}
	}

	return paths, nil
}

// RemoveScratch deletes the scratch directory of jobID. A missing directory is
// not an error.
func (m *FSManager) RemoveScratch(ctx context.Context, jobID string) error {
	if err := checkRequest(ctx, "remove", m.dataPath, jobID); err != nil {
		return err
	}

	dir := PathsFor(m.dataPath, jobID).ScratchDir
	if err := os.RemoveAll(dir); err != nil {
		return &Error{Op: "remove", Path: dir, Err: err}
	}
	return nil
}

// Cleanup removes workspace directories and result archives whose modification
// time is older than olderThan. Unrelated entries in the data path are left alone.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.dataPath)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read data path: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		isDir := entry.IsDir() && isWorkspaceDirName(entry.Name())
		isArchive := entry.Type().IsRegular() && isArchiveName(entry.Name())
		if !isDir && !isArchive {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.dataPath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, &Error{Op: "remove", Path: path, Err: err}
		}
		if isDir {
			report.DeletedDirs++
		} else {
			report.DeletedArchives++
		}
	}

	return report, nil
}

// checkRequest rejects a cancelled ctx or an unusable jobID as a workspace error.
func checkRequest(ctx context.Context, op, dataPath, jobID string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: op, Path: dataPath, Err: err}
	}
	if err := ValidateJobID(jobID); err != nil {
		return &Error{Op: op, Path: dataPath, Err: err}
	}
	return nil
}

func resetDir(dir string) error {
	if _, err := os.Lstat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return &Error{Op: "reset", Path: dir, Err: err}
		}
	} else if !os.IsNotExist(err) {
		return &Error{Op: "stat", Path: dir, Err: err}
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		return &Error{Op: "create", Path: dir, Err: err}
	}
	return nil
}

func isWorkspaceDirName(name string) bool {
	for _, prefix := range []string{ScratchPrefix, ResultPrefix, OutputPrefix} {
		if rest, ok := strings.CutPrefix(name, prefix+"_"); ok && rest != "" {
			return true
		}
	}
	return false
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, ArchivePrefix) && strings.HasSuffix(name, ArchiveSuffix) &&
		len(name) > len(ArchivePrefix)+len(ArchiveSuffix)
}

// ValidateJobID rejects IDs that cannot be embedded in a single path element.
func ValidateJobID(jobID string) error {
	trimmed := strings.TrimSpace(jobID)
	if trimmed == "" {
		return fmt.Errorf("jobID is empty")
	}
	if trimmed != jobID {
		return fmt.Errorf("jobID %q has surrounding whitespace", jobID)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("jobID %q must not contain path separators", jobID)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("jobID %q is invalid", jobID)
	}
	return nil
}
