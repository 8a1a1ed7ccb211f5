// Package proc runs external commands under a timeout, escalating from SIGTERM
// to SIGKILL when the child does not exit.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	// MaxStderrBytes caps the amount of stderr kept from an invocation.
	MaxStderrBytes = 64 * 1024

	// TerminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	TerminationGracePeriod = 5 * time.Second
)

// ErrTimeout reports that the command outlived its timeout. It wraps
// context.DeadlineExceeded.
var ErrTimeout = fmt.Errorf("process timed out: %w", context.DeadlineExceeded)

// Spec describes one invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// Result is what the command left behind. Stderr is truncated to MaxStderrBytes.
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// ExitError reports a non-zero exit. The Result is still returned alongside it.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return fmt.Sprintf("exited with status %d", e.Code) }

func (e *ExitError) Unwrap() error { return e.Err }

// Run starts spec.Argv and waits for it. A timeout or a cancelled ctx sends
// SIGTERM and, after TerminationGracePeriod, SIGKILL. The returned error is
// ErrTimeout, ctx.Err(), a start failure, or *ExitError.
func Run(ctx context.Context, spec Spec, logger *slog.Logger) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	// Own process group so signals reach wrappers' children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = TerminationGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutC:
		logger.Warn("process timed out, sending SIGTERM", "command", spec.Argv[0], "timeout", spec.Timeout)
		terminate(cmd, waitErr, logger)
		return Result{Stdout: stdout.Bytes(), Stderr: truncateStderr(stderr.String()), ExitCode: -1}, ErrTimeout

	case <-ctx.Done():
		logger.Warn("process cancelled, sending SIGTERM", "command", spec.Argv[0])
		terminate(cmd, waitErr, logger)
		return Result{Stdout: stdout.Bytes(), Stderr: truncateStderr(stderr.String()), ExitCode: -1}, ctx.Err()

	case err := <-waitErr:
		res := Result{Stdout: stdout.Bytes(), Stderr: truncateStderr(stderr.String())}
		if err == nil {
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Code: res.ExitCode, Err: err}
		}
		return res, fmt.Errorf("wait for process: %w", err)
	}
}

func terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(TerminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		// The leader is gone; stragglers in its group must not outlive it.
		_ = signalGroup(cmd, syscall.SIGKILL)
	case <-grace.C:
		logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// signalGroup signals the process group led by cmd. ESRCH means the group is
// already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func truncateStderr(s string) string {
	if len(s) > MaxStderrBytes {
		return s[:MaxStderrBytes]
	}
	return s
}
