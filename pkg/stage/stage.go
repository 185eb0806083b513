// Package stage executes a single pipeline stage command under a hard
// wall-clock timeout. Commands run in their own process group so that
// a timeout or cancellation terminates the whole tree, and combined
// output is captured up to a configurable bound.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultOutputLimit caps captured combined output per stage.
	DefaultOutputLimit = 64 * 1024

	// killGracePeriod bounds how long we wait for the process group to
	// die after signalling it.
	killGracePeriod = 5 * time.Second

	// TruncationMarker is appended to output that hit the capture cap.
	TruncationMarker = "\n... [output truncated]"
)

// TimeoutError reports a stage that exceeded its wall-clock bound.
type TimeoutError struct {
	Kind    pipeline.StageKind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Kind, e.Timeout)
}

// ExecutionError reports a stage command that exited non-zero.
type ExecutionError struct {
	Kind     pipeline.StageKind
	ExitCode int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("stage %s exited with code %d", e.Kind, e.ExitCode)
}

// Runner executes stage commands. Implementations hold no state
// between invocations.
type Runner interface {
	// Run executes the command and always returns a StageResult; a
	// failed or timed-out command is reported through the result, not
	// an error.
	Run(
		ctx context.Context,
		kind pipeline.StageKind,
		command string,
		timeout time.Duration,
	) *pipeline.StageResult
}

// Config for the stage runner.
type Config struct {
	// WorkDir is the working directory for stage commands. Empty means
	// the current directory.
	WorkDir string

	// OutputLimit caps captured combined output in bytes.
	OutputLimit int64

	// Env holds extra KEY=VALUE pairs appended to the inherited
	// environment.
	Env []string
}

// NewRunner creates a stage runner.
func NewRunner(log logrus.FieldLogger, cfg *Config) Runner {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}

	return &runner{
		log: log.WithField("component", "stage-runner"),
		cfg: cfg,
	}
}

type runner struct {
	log logrus.FieldLogger
	cfg *Config
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Run executes the command under the given timeout.
func (r *runner) Run(
	ctx context.Context,
	kind pipeline.StageKind,
	command string,
	timeout time.Duration,
) *pipeline.StageResult {
	res := &pipeline.StageResult{
		Kind:      kind,
		Status:    pipeline.StatusRunning,
		StartedAt: time.Now(),
	}

	log := r.log.WithFields(logrus.Fields{
		"stage":   kind,
		"timeout": timeout,
	})

	buf := newCappedBuffer(r.cfg.OutputLimit)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := newShellCommand(command)
	cmd.Dir = r.cfg.WorkDir
	cmd.Stdout = buf
	cmd.Stderr = buf

	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}

	// Own process group so a timeout kills the whole tree.
	setProcessGroup(cmd)

	log.Debug("Starting stage command")

	if err := cmd.Start(); err != nil {
		res.Status = pipeline.StatusFailed
		res.ExitCode = -1
		res.Error = fmt.Sprintf("starting command: %v", err)
		r.finalize(res, buf)

		return res
	}

	waitCh := make(chan error, 1)

	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		r.applyExit(res, err)
	case <-runCtx.Done():
		killProcessGroup(cmd)

		// Bounded grace period: do not wait out the full timeout again
		// for a process that ignores the kill.
		select {
		case <-waitCh:
		case <-time.After(killGracePeriod):
			log.Warn("Process group did not exit within grace period")
		}

		res.Status = pipeline.StatusFailed
		res.ExitCode = -1

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.TimedOut = true
			res.Error = (&TimeoutError{Kind: kind, Timeout: timeout}).Error()
		} else {
			res.Error = "stage cancelled"
		}
	}

	r.finalize(res, buf)

	log.WithFields(logrus.Fields{
		"status":    res.Status,
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
		"duration":  res.Duration,
	}).Debug("Stage command finished")

	return res
}

// applyExit maps the Wait error onto the result.
func (r *runner) applyExit(res *pipeline.StageResult, err error) {
	if err == nil {
		res.Status = pipeline.StatusSucceeded
		res.ExitCode = 0

		return
	}

	res.Status = pipeline.StatusFailed

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		res.Error = (&ExecutionError{Kind: res.Kind, ExitCode: res.ExitCode}).Error()

		return
	}

	res.ExitCode = -1
	res.Error = err.Error()
}

func (r *runner) finalize(res *pipeline.StageResult, buf *cappedBuffer) {
	res.Duration = time.Since(res.StartedAt)
	res.Output, res.Truncated = buf.contents()
}

// Err converts a failed result back into its typed error, or nil for a
// successful one.
func Err(res *pipeline.StageResult) error {
	switch {
	case res == nil || !res.Failed():
		return nil
	case res.TimedOut:
		return &TimeoutError{Kind: res.Kind, Timeout: res.Duration}
	case res.Error != "" && res.ExitCode == -1:
		return errors.New(res.Error)
	default:
		return &ExecutionError{Kind: res.Kind, ExitCode: res.ExitCode}
	}
}
