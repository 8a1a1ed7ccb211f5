package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Directory name prefixes under the data path. The job ID is appended after an
// underscore.
const (
	ScratchPrefix = "tmp"
	ResultPrefix  = "result"
	OutputPrefix  = "output"
)

// ErrWorkspace matches every error produced while provisioning or resetting a
// workspace.
var ErrWorkspace = errors.New("workspace error")

// Error wraps a filesystem failure on one workspace directory.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrWorkspace }

// Paths are the three directories one job run owns.
//
// Scratch holds intermediate data, Result holds developer-only artifacts
// including the debug log, Output holds what is delivered to the user.
type Paths struct {
	JobID      string
	ScratchDir string
	ResultDir  string
	OutputDir  string
}

// All returns the directories in provisioning order.
func (p Paths) All() []string {
	return []string{p.ScratchDir, p.ResultDir, p.OutputDir}
}

// PathsFor derives the workspace directories for jobID under dataPath.
func PathsFor(dataPath, jobID string) Paths {
	return Paths{
		JobID:      jobID,
		ScratchDir: filepath.Join(dataPath, ScratchPrefix+"_"+jobID),
		ResultDir:  filepath.Join(dataPath, ResultPrefix+"_"+jobID),
		OutputDir:  filepath.Join(dataPath, OutputPrefix+"_"+jobID),
	}
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs     int
	DeletedArchives int
}

// Manager governs the per-job directories under one data path.
type Manager interface {
	// Provision resets and creates the workspace for jobID. Existing contents
	// are discarded.
	Provision(ctx context.Context, jobID string) (Paths, error)

	// Open resolves an existing workspace for jobID without touching it.
	Open(ctx context.Context, jobID string) (Paths, error)

	// RemoveScratch deletes the scratch directory for jobID.
	RemoveScratch(ctx context.Context, jobID string) error

	// Cleanup removes workspaces and archives older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
