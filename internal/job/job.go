package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattjoyce/bitool/internal/dependency"
	"github.com/mattjoyce/bitool/internal/lock"
	"github.com/mattjoyce/bitool/internal/log"
	"github.com/mattjoyce/bitool/internal/output"
	"github.com/mattjoyce/bitool/internal/partition"
	"github.com/mattjoyce/bitool/internal/warehouse"
	"github.com/mattjoyce/bitool/internal/workspace"
)

// ErrNoWarehouse is returned by warehouse-backed methods of a Job built
// without a client.
var ErrNoWarehouse = errors.New("no warehouse client configured")

// ErrClosed is returned by operations on a closed Job.
var ErrClosed = errors.New("job is closed")

// Context identifies one job run. It never changes after construction.
type Context struct {
	WorkPath string
	DataPath string
	JobID    string
}

// State is the lifecycle position of a Job.
type State string

const (
	StateConstructed    State = "constructed"
	StateWorkspaceReady State = "workspace_ready"
	StateDegraded       State = "degraded"
	StateRunning        State = "running"
	StateOutputProduced State = "output_produced"
	StateClosed         State = "closed"
)

// StartupState is the outcome of construction.
type StartupState string

const (
	StartupReady    StartupState = "ready"
	StartupDegraded StartupState = "degraded"
)

// Startup reports whether the workspace and debug log came up. A degraded
// startup still yields a usable Job: warehouse queries work, logging to the
// debug log is a no-op and packaging will most likely fail.
type Startup struct {
	State  StartupState
	Reason error
}

// Degraded reports whether setup failed.
func (s Startup) Degraded() bool { return s.State == StartupDegraded }

type options struct {
	client   warehouse.Client
	manager  workspace.Manager
	logCfg   log.LogConfig
	marker   string
	lock     bool
	recorder Recorder
}

// Option configures New.
type Option func(*options)

// WithWarehouse sets the client used for dependency checks and partition lookups.
func WithWarehouse(client warehouse.Client) Option {
	return func(o *options) { o.client = client }
}

// WithLogConfig overrides the debug log settings.
func WithLogConfig(cfg log.LogConfig) Option {
	return func(o *options) { o.logCfg = cfg }
}

// WithNotFoundMarker overrides the text that marks a missing table.
func WithNotFoundMarker(marker string) Option {
	return func(o *options) { o.marker = marker }
}

// WithLock guards the workspace with a PID lock file under the data path.
func WithLock(enabled bool) Option {
	return func(o *options) { o.lock = enabled }
}

// WithRecorder records the run in a ledger when it is driven by Run.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithWorkspace replaces the filesystem workspace manager.
func WithWorkspace(m workspace.Manager) Option {
	return func(o *options) { o.manager = m }
}

// Job is one run of a BI tool: its workspace, its two logs and its access to
// the warehouse.
type Job struct {
	jc       Context
	paths    workspace.Paths
	startup  Startup
	client   warehouse.Client
	checker  *dependency.Checker
	resolver *partition.Resolver
	recorder Recorder

	manager workspace.Manager
	logger  *log.JobLogger
	runLock *lock.PIDLock
	lockErr error
	process *slog.Logger

	mu       sync.Mutex
	state    State
	runID    string
	archived bool
}

// New provisions the workspace for jc and opens its logs. Setup failures do
// not abort construction; they are reported through the returned Startup.
func New(ctx context.Context, jc Context, opts ...Option) (*Job, Startup) {
	o := options{logCfg: log.DefaultLogConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	j := &Job{
		jc:       jc,
		paths:    workspace.PathsFor(jc.DataPath, jc.JobID),
		client:   o.client,
		recorder: o.recorder,
		process:  log.WithJob(jc.JobID),
		state:    StateConstructed,
	}
	if o.client != nil {
		j.checker = dependency.New(o.client).WithLogger(j.process)
		if o.marker != "" {
			j.checker = j.checker.WithMarker(o.marker)
		}
		j.resolver = partition.NewResolver(o.client).WithLogger(j.process)
	}

	if err := j.setup(ctx, o); err != nil {
		j.startup = Startup{State: StartupDegraded, Reason: err}
		j.state = StateDegraded
		j.process.Warn("job started degraded", "error", err)
		return j, j.startup
	}

	j.startup = Startup{State: StartupReady}
	j.state = StateWorkspaceReady
	j.process.Debug("job workspace ready", "data_path", jc.DataPath)
	return j, j.startup
}

func (j *Job) setup(ctx context.Context, o options) error {
	if strings.TrimSpace(j.jc.DataPath) == "" {
		return fmt.Errorf("data path is empty")
	}
	if err := workspace.ValidateJobID(j.jc.JobID); err != nil {
		return &workspace.Error{Op: "validate", Path: j.jc.DataPath, Err: err}
	}

	manager := o.manager
	if manager == nil {
		m, err := workspace.NewFSManager(j.jc.DataPath)
		if err != nil {
			return err
		}
		manager = m
	}

	if o.lock {
		l, err := lock.AcquirePIDLock(lock.JobLockPath(j.jc.DataPath, j.jc.JobID))
		if err != nil {
			// The directories belong to whoever holds the lock.
			j.lockErr = fmt.Errorf("job %s is locked: %w", j.jc.JobID, err)
			j.paths = workspace.Paths{JobID: j.jc.JobID}
			return j.lockErr
		}
		j.runLock = l
	}
	j.manager = manager

	paths, err := manager.Provision(ctx, j.jc.JobID)
	if err != nil {
		return err
	}
	j.paths = paths

	logger, err := log.Configure(paths.ResultDir, paths.OutputDir, o.logCfg)
	if err != nil {
		return fmt.Errorf("configure job log: %w", err)
	}
	j.logger = logger
	return nil
}

// Context returns the identity of the run.
func (j *Job) Context() Context { return j.jc }

// Paths returns the workspace directories. They are derived even when
// provisioning failed, but left empty when the run lock is held elsewhere.
func (j *Job) Paths() workspace.Paths { return j.paths }

// Startup returns the construction outcome.
func (j *Job) Startup() Startup { return j.startup }

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateClosed {
		return
	}
	j.state = s
}

// Locked reports whether another process holds the run lock for this job.
// A locked Job refuses every workspace operation.
func (j *Job) Locked() bool { return j.lockErr != nil }

// RunID is the ledger ID assigned by Run, empty when no recorder is set.
func (j *Job) RunID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runID
}

// LogPaths locates the debug and output logs. It is zero on a degraded start.
func (j *Job) LogPaths() log.LogPaths {
	if j.logger == nil {
		return log.LogPaths{}
	}
	return j.logger.Paths()
}

// Logger returns the structured debug logger, or the process logger when the
// debug log could not be opened.
func (j *Job) Logger() *slog.Logger {
	if j.logger == nil {
		return j.process
	}
	return j.logger.Logger()
}

// Log writes msg to the debug log when level is "debug". Other levels, and
// every call on a degraded job, are dropped.
func (j *Job) Log(msg, level string) {
	if j.logger == nil {
		return
	}
	j.logger.LogSkip(1, msg, level)
}

// CheckDependency reports whether every table exists in the warehouse.
func (j *Job) CheckDependency(ctx context.Context, tables []string) (bool, error) {
	res, err := j.Dependencies(ctx, tables)
	if err != nil {
		return false, err
	}
	return res.AllPresent, nil
}

// Dependencies is CheckDependency with the list of missing tables.
func (j *Job) Dependencies(ctx context.Context, tables []string) (dependency.Result, error) {
	if j.checker == nil {
		return dependency.Result{}, ErrNoWarehouse
	}
	res, err := j.checker.Check(ctx, tables)
	if err != nil {
		return dependency.Result{}, err
	}
	if !res.AllPresent {
		j.Log(fmt.Sprintf("missing tables: %s", strings.Join(res.Missing, ", ")), "debug")
	}
	return res, nil
}

// LatestPartition returns the distinct partition count and the greatest value
// for table. An empty partType means "day".
func (j *Job) LatestPartition(ctx context.Context, table, partType string) (partition.Latest, error) {
	if j.resolver == nil {
		return partition.Latest{}, ErrNoWarehouse
	}
	latest, err := j.resolver.LatestPartition(ctx, table, partType)
	if err != nil {
		return partition.Latest{}, err
	}
	j.Log(fmt.Sprintf("latest partition of %s: count=%d value=%q", table, latest.Count, latest.Value), "debug")
	return latest, nil
}

// Output copies the named result files into the output directory and packages
// the output directory. Files not present are skipped; the archive is built
// every time, replacing the previous one.
func (j *Job) Output(ctx context.Context, fileNames []string) (output.Artifact, error) {
	if j.State() == StateClosed {
		return output.Artifact{}, ErrClosed
	}
	if j.lockErr != nil {
		return output.Artifact{}, j.lockErr
	}

	copied, err := output.Collect(j.paths.ResultDir, j.paths.OutputDir, fileNames)
	if err != nil {
		return output.Artifact{}, fmt.Errorf("collect results: %w", err)
	}
	if len(copied) < len(fileNames) {
		j.Log(fmt.Sprintf("requested %d result files, copied %d: %s", len(fileNames), len(copied), strings.Join(copied, ", ")), "debug")
	}

	art, err := j.archive(ctx)
	if err != nil {
		return output.Artifact{}, err
	}
	j.setState(StateOutputProduced)
	return art, nil
}

// archive packages the output directory and records the artifact.
func (j *Job) archive(ctx context.Context) (output.Artifact, error) {
	art, err := output.Archive(ctx, j.jc.DataPath, j.jc.JobID, j.paths.OutputDir)
	if err != nil {
		return output.Artifact{}, err
	}

	j.mu.Lock()
	j.archived = true
	j.mu.Unlock()

	j.Log(fmt.Sprintf("archive written: %s (%d bytes)", art.Path, art.Size), "debug")
	j.process.Info("archive written", "path", art.Path, "size", art.Size, "checksum", art.Checksum)

	if j.recorder != nil && j.RunID() != "" {
		if err := j.recorder.RecordArtifact(ctx, j.RunID(), art.Path, art.Checksum, art.Size); err != nil {
			j.process.Warn("failed to record artifact", "error", err)
		}
	}
	return art, nil
}

// RemoveScratch deletes the scratch directory through the job's workspace
// manager. It does nothing when the workspace was never set up.
func (j *Job) RemoveScratch(ctx context.Context) error {
	if j.State() == StateClosed {
		return ErrClosed
	}
	if j.lockErr != nil {
		return j.lockErr
	}
	if j.manager == nil {
		return nil
	}
	return j.manager.RemoveScratch(ctx, j.jc.JobID)
}

func (j *Job) hasArchive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.archived
}

// ReportError appends "error: <err>" to the output log so the user sees why
// the run failed.
func (j *Job) ReportError(err error) {
	if err == nil {
		return
	}
	j.process.Error("job failed", "error", err)
	if j.logger == nil {
		return
	}
	if werr := j.logger.AppendOutput("error: " + err.Error()); werr != nil {
		j.process.Warn("failed to write output log", "error", werr)
	}
}

// Close releases the debug log and the run lock. It is safe to call twice.
func (j *Job) Close() error {
	j.mu.Lock()
	if j.state == StateClosed {
		j.mu.Unlock()
		return nil
	}
	j.state = StateClosed
	j.mu.Unlock()

	var errs []error
	if j.logger != nil {
		errs = append(errs, j.logger.Close())
	}
	if j.runLock != nil {
		errs = append(errs, j.runLock.Release())
	}
	return errors.Join(errs...)
}
