package job

import (
	"context"
	"fmt"

	"github.com/mattjoyce/bitool/internal/runlog"
)

// Tool is the business logic of one BI job. Embed BaseTool to inherit no-op
// implementations and override what the tool needs.
type Tool interface {
	// Pipeline does the work: query, compute, write into the result
	// directory and call Job.Output.
	Pipeline(ctx context.Context, j *Job) error
	// Clear removes intermediate data once Pipeline has returned.
	Clear(ctx context.Context, j *Job) error
	// Close releases what the tool itself opened.
	Close(ctx context.Context, j *Job) error
}

// Named is implemented by tools that report their own name to the run ledger.
type Named interface {
	Name() string
}

// BaseTool implements Tool with no-ops.
type BaseTool struct{}

func (BaseTool) Pipeline(context.Context, *Job) error { return nil }
func (BaseTool) Clear(context.Context, *Job) error    { return nil }
func (BaseTool) Close(context.Context, *Job) error    { return nil }

// Recorder is the subset of the run ledger used by Run.
type Recorder interface {
	Start(ctx context.Context, jobID, tool string) (string, error)
	MarkDegraded(ctx context.Context, runID, reason string) error
	RecordArtifact(ctx context.Context, runID, path, checksum string, size int64) error
	Complete(ctx context.Context, runID string, state runlog.State, lastError string) error
}

var _ Recorder = (*runlog.Store)(nil)

// ToolName returns the ledger name of tool.
func ToolName(tool Tool) string {
	if n, ok := tool.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", tool)
}

// Run drives tool over j: Pipeline, then Clear, then Close, then closes j.
// Clear and Close run even when Pipeline fails. Every error is appended to
// the output log and the first one is returned; an archive built during the
// run is rebuilt so it includes them. A locked Job runs nothing.
func Run(ctx context.Context, tool Tool, j *Job) error {
	if j.State() == StateClosed {
		return ErrClosed
	}

	name := ToolName(tool)
	logger := j.process.With("tool", name)
	j.startRecord(ctx, name)

	if j.lockErr != nil {
		j.ReportError(j.lockErr)
		j.finishRecord(ctx, j.lockErr)
		if err := j.Close(); err != nil {
			logger.Warn("failed to close job", "error", err)
		}
		return j.lockErr
	}

	j.setState(StateRunning)
	logger.Info("pipeline started", "startup", j.startup.State)

	var errs []error
	if err := tool.Pipeline(ctx, j); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := tool.Clear(ctx, j); err != nil {
		errs = append(errs, fmt.Errorf("clear: %w", err))
	}
	if err := tool.Close(ctx, j); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	for _, err := range errs {
		j.ReportError(err)
	}
	// The delivered archive must carry the errors just written to output.log.
	if len(errs) > 0 && j.hasArchive() {
		if _, err := j.archive(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to repackage output after errors", "error", err)
		}
	}

	var runErr error
	if len(errs) > 0 {
		runErr = errs[0]
	}
	j.finishRecord(ctx, runErr)

	if err := j.Close(); err != nil {
		logger.Warn("failed to close job", "error", err)
	}

	if runErr != nil {
		logger.Error("pipeline failed", "error", runErr)
		return runErr
	}
	logger.Info("pipeline finished")
	return nil
}

func (j *Job) startRecord(ctx context.Context, tool string) {
	if j.recorder == nil {
		return
	}
	id, err := j.recorder.Start(ctx, j.jc.JobID, tool)
	if err != nil {
		j.process.Warn("failed to record run start", "error", err)
		return
	}

	j.mu.Lock()
	j.runID = id
	j.mu.Unlock()

	if j.startup.Degraded() {
		reason := "unknown"
		if j.startup.Reason != nil {
			reason = j.startup.Reason.Error()
		}
		if err := j.recorder.MarkDegraded(ctx, id, reason); err != nil {
			j.process.Warn("failed to record degraded start", "error", err)
		}
	}
}

func (j *Job) finishRecord(ctx context.Context, runErr error) {
	id := j.RunID()
	if j.recorder == nil || id == "" {
		return
	}

	state, msg := runlog.StateSucceeded, ""
	if runErr != nil {
		state, msg = runlog.StateFailed, runErr.Error()
	}
	// Record the outcome even if ctx was cancelled mid-run.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := j.recorder.Complete(ctx, id, state, msg); err != nil {
		j.process.Warn("failed to record run completion", "error", err)
	}
}
