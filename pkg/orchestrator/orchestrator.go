// Package orchestrator drives the bounded pipeline loop: up to N
// iterations of build, test and deploy, recording every iteration
// through the tracker and stopping at the first success.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/deploy"
	"github.com/riftops/pipeloor/pkg/docker"
	"github.com/riftops/pipeloor/pkg/gitx"
	"github.com/riftops/pipeloor/pkg/naming"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/stage"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/riftops/pipeloor/pkg/upload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// trackerRetryDelay is the wait before the single tracker write retry.
const trackerRetryDelay = 500 * time.Millisecond

// Request describes one pipeline execution.
type Request struct {
	// Branch overrides the branch name derived from the naming
	// configuration. Must already satisfy the naming convention.
	Branch string

	// Environment is the host snapshot recorded with the run.
	Environment *pipeline.Environment
}

// Collaborators are the external systems the pipeline drives. Any of
// them may be nil; stages without a command override and without their
// collaborator fail with a configuration error.
type Collaborators struct {
	Git      gitx.Client
	Runtime  docker.ContainerRuntime
	Deploy   deploy.Client
	Uploader upload.Uploader
	Index    indexstore.Store
}

// Orchestrator executes pipeline runs.
type Orchestrator interface {
	// Execute runs one pipeline to its terminal status. The returned
	// run is non-nil whenever iterations were started, even on error.
	Execute(ctx context.Context, req *Request) (*pipeline.Run, error)

	// ExecuteAll runs independent requests concurrently. Results are
	// returned in request order.
	ExecuteAll(ctx context.Context, reqs []*Request) ([]*pipeline.Run, error)
}

// New creates an orchestrator.
func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	tr tracker.Tracker,
	runner stage.Runner,
	collab *Collaborators,
) Orchestrator {
	if collab == nil {
		collab = &Collaborators{}
	}

	return &orchestrator{
		log:    log.WithField("component", "orchestrator"),
		cfg:    cfg,
		tr:     tr,
		runner: runner,
		collab: collab,
	}
}

type orchestrator struct {
	log    logrus.FieldLogger
	cfg    *config.Config
	tr     tracker.Tracker
	runner stage.Runner
	collab *Collaborators
}

// Ensure interface compliance.
var _ Orchestrator = (*orchestrator)(nil)

// Execute runs the bounded iteration loop for a single request.
func (o *orchestrator) Execute(ctx context.Context, req *Request) (*pipeline.Run, error) {
	if req == nil {
		req = &Request{}
	}

	branch, err := o.resolveBranch(req)
	if err != nil {
		// Naming failures abort before the first iteration; nothing is
		// recorded.
		return nil, err
	}

	run := pipeline.NewRun()
	run.Branch = branch
	run.Environment = req.Environment
	run.StartedAt = time.Now().UTC()

	log := o.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"branch": branch,
	})

	if o.collab.Git != nil && branch != "" {
		if err := o.collab.Git.CreateBranch(ctx, branch); err != nil {
			return nil, fmt.Errorf("preparing branch: %w", err)
		}
	}

	if err := run.Transition(pipeline.StatusRunning); err != nil {
		return run, err
	}

	if err := o.record(ctx, func() error { return o.tr.RecordRun(ctx, run) }); err != nil {
		return run, fmt.Errorf("recording run start: %w", err)
	}

	iterations := o.cfg.Pipeline.Iterations
	delay := time.Duration(o.cfg.Pipeline.DelaySeconds) * time.Second

	log.WithField("iterations", iterations).Info("Pipeline run started")

	var (
		succeeded     bool
		unrecoverable error
	)

	for i := 1; i <= iterations; i++ {
		if i > 1 && delay > 0 {
			log.WithField("delay", delay.String()).Debug("Waiting before next iteration")

			select {
			case <-ctx.Done():
				return o.finish(run, ctx.Err())
			case <-time.After(delay):
			}
		}

		iter, iterErr := o.runIteration(ctx, log, run, i)

		if err := o.record(ctx, func() error {
			return o.tr.RecordIteration(ctx, run.ID, iter)
		}); err != nil {
			return o.finish(run, fmt.Errorf("recording iteration %d: %w", i, err))
		}

		run.Iterations = append(run.Iterations, *iter)

		if ctx.Err() != nil {
			return o.finish(run, ctx.Err())
		}

		if iter.Status == pipeline.StatusSucceeded {
			succeeded = true

			o.commitAndPush(ctx, log, i)

			break
		}

		if iterErr != nil && deploy.IsUnrecoverable(iterErr) {
			unrecoverable = iterErr

			o.skipRemaining(ctx, log, run, i+1, iterations)

			break
		}

		log.WithField("iteration", i).Warn("Iteration failed")
	}

	if succeeded {
		if err := run.Transition(pipeline.StatusSucceeded); err != nil {
			return o.finish(run, err)
		}
	} else {
		if err := run.Transition(pipeline.StatusFailed); err != nil {
			return o.finish(run, err)
		}
	}

	run, err = o.finish(run, nil)
	if err != nil {
		return run, err
	}

	if unrecoverable != nil {
		return run, unrecoverable
	}

	return run, nil
}

// ExecuteAll runs independent requests concurrently. Runs share no
// context: one run's failure never cancels a sibling, and every run
// finishes before Wait surfaces the first error.
func (o *orchestrator) ExecuteAll(ctx context.Context, reqs []*Request) ([]*pipeline.Run, error) {
	runs := make([]*pipeline.Run, len(reqs))

	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	for i, req := range reqs {
		g.Go(func() error {
			run, err := o.Execute(ctx, req)

			mu.Lock()
			runs[i] = run
			mu.Unlock()

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return runs, err
	}

	return runs, nil
}

// resolveBranch derives the branch name from the request or the naming
// configuration. An empty result means git integration is not in play.
func (o *orchestrator) resolveBranch(req *Request) (string, error) {
	if req.Branch != "" {
		return req.Branch, nil
	}

	if o.cfg.Naming.TeamName == "" && o.cfg.Naming.LeaderName == "" {
		return "", nil
	}

	branch, err := naming.GenerateBranchName(o.cfg.Naming.TeamName, o.cfg.Naming.LeaderName)
	if err != nil {
		return "", fmt.Errorf("deriving branch name: %w", err)
	}

	return branch, nil
}

// runIteration executes the stage sequence for one iteration. The
// returned error carries stage-source failures that need taxonomy
// checks (unrecoverable deployments); the iteration result itself is
// always complete.
func (o *orchestrator) runIteration(
	ctx context.Context,
	log logrus.FieldLogger,
	run *pipeline.Run,
	index int,
) (*pipeline.Iteration, error) {
	iterLog := log.WithField("iteration", index)
	iterLog.Info("Iteration started")

	iter := &pipeline.Iteration{
		Index:     index,
		Status:    pipeline.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	var firstErr error

	for _, kind := range pipeline.Stages {
		res, err := o.runStage(ctx, iterLog, run, kind)
		iter.Stages = append(iter.Stages, *res)

		if err != nil && firstErr == nil {
			firstErr = err
		}

		if res.Failed() {
			iterLog.WithFields(logrus.Fields{
				"stage":     kind,
				"exit_code": res.ExitCode,
				"timed_out": res.TimedOut,
			}).Warn("Stage failed, skipping remaining stages")

			break
		}

		if ctx.Err() != nil {
			break
		}
	}

	iter.Finalize(time.Now().UTC())

	iterLog.WithFields(logrus.Fields{
		"status":   iter.Status,
		"duration": iter.Duration.Round(time.Millisecond).String(),
	}).Info("Iteration finished")

	return iter, firstErr
}

// runStage executes one stage from its configured source: a command
// override through the stage runner, or the collaborator default.
func (o *orchestrator) runStage(
	ctx context.Context,
	log logrus.FieldLogger,
	run *pipeline.Run,
	kind pipeline.StageKind,
) (*pipeline.StageResult, error) {
	timeout := o.stageTimeout(kind)

	if command := o.stageCommand(kind); command != "" {
		res := o.runner.Run(ctx, kind, command, timeout)

		return res, stage.Err(res)
	}

	switch kind {
	case pipeline.StageBuild:
		return o.buildStage(ctx, timeout)
	case pipeline.StageTest:
		return o.testStage(ctx, run, timeout)
	case pipeline.StageDeploy:
		return o.deployStage(ctx, log, timeout)
	default:
		res := newStageResult(kind)
		failStage(res, fmt.Sprintf("unknown stage %q", kind))

		return res, nil
	}
}

// buildStage builds the configured image with the container runtime.
func (o *orchestrator) buildStage(
	ctx context.Context,
	timeout time.Duration,
) (*pipeline.StageResult, error) {
	res := newStageResult(pipeline.StageBuild)

	if o.collab.Runtime == nil {
		failStage(res, "no build command configured and no container runtime available")

		return res, nil
	}

	if o.cfg.Docker.ImageName == "" {
		failStage(res, "docker.image_name is not configured")

		return res, nil
	}

	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := o.outputLimit()
	out := newCappedWriter(limit)

	err := o.collab.Runtime.BuildImage(
		buildCtx,
		o.cfg.Docker.BuildContext,
		o.cfg.Docker.Dockerfile,
		o.cfg.Docker.ImageName,
		out,
	)

	finishStage(res, out)

	if err != nil {
		if timedOut(buildCtx, ctx) {
			res.TimedOut = true
			res.Status = pipeline.StatusFailed
			res.Error = (&stage.TimeoutError{Kind: pipeline.StageBuild, Timeout: timeout}).Error()

			return res, nil
		}

		failStage(res, err.Error())

		return res, nil
	}

	res.Status = pipeline.StatusSucceeded

	return res, nil
}

// testStage runs the built image as a one-shot container.
func (o *orchestrator) testStage(
	ctx context.Context,
	run *pipeline.Run,
	timeout time.Duration,
) (*pipeline.StageResult, error) {
	res := newStageResult(pipeline.StageTest)

	if o.collab.Runtime == nil {
		failStage(res, "no test command configured and no container runtime available")

		return res, nil
	}

	name := o.cfg.Docker.ContainerName
	if name == "" {
		name = "pipeloor-test"
	}

	spec := &docker.ContainerSpec{
		Name:        fmt.Sprintf("%s-%s", name, run.ID),
		Image:       o.cfg.Docker.ImageName,
		NetworkName: o.cfg.Global.DockerNetwork,
		Labels:      docker.ManagedLabels(run.ID),
	}

	limit := o.outputLimit()
	stdout := newCappedWriter(limit)
	stderr := newCappedWriter(limit)

	exitCode, err := o.collab.Runtime.RunContainer(ctx, spec, timeout, stdout, stderr)

	combined := stdout.String()
	if s := stderr.String(); s != "" {
		combined = combined + s
	}

	res.Output = combined
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.TimedOut = true
			res.Status = pipeline.StatusFailed
			res.Error = (&stage.TimeoutError{Kind: pipeline.StageTest, Timeout: timeout}).Error()

			return res, nil
		}

		res.Status = pipeline.StatusFailed
		res.Error = err.Error()

		return res, nil
	}

	res.ExitCode = int(exitCode)

	if exitCode != 0 {
		res.Status = pipeline.StatusFailed
		res.Error = (&stage.ExecutionError{Kind: pipeline.StageTest, ExitCode: int(exitCode)}).Error()

		return res, nil
	}

	res.Status = pipeline.StatusSucceeded

	return res, nil
}

// deployStage triggers the configured deployment target. Without a
// target the stage is skipped, not failed.
func (o *orchestrator) deployStage(
	ctx context.Context,
	log logrus.FieldLogger,
	timeout time.Duration,
) (*pipeline.StageResult, error) {
	res := newStageResult(pipeline.StageDeploy)

	if o.collab.Deploy == nil {
		res.Status = pipeline.StatusSkipped
		res.Output = "no deployment target configured"
		res.Duration = time.Since(res.StartedAt)

		return res, nil
	}

	deployCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := o.collab.Deploy.Deploy(deployCtx)

	res.Duration = time.Since(res.StartedAt)

	if err != nil {
		if timedOut(deployCtx, ctx) {
			res.TimedOut = true
			res.Status = pipeline.StatusFailed
			res.Error = (&stage.TimeoutError{Kind: pipeline.StageDeploy, Timeout: timeout}).Error()

			return res, nil
		}

		res.Status = pipeline.StatusFailed
		res.Error = err.Error()

		return res, err
	}

	res.Status = pipeline.StatusSucceeded
	res.Output = result.Detail

	log.WithFields(logrus.Fields{
		"target":    result.Target,
		"reference": result.Reference,
	}).Info("Deployment accepted")

	return res, nil
}

// skipRemaining records the iterations that will not run after an
// unrecoverable deployment error.
func (o *orchestrator) skipRemaining(
	ctx context.Context,
	log logrus.FieldLogger,
	run *pipeline.Run,
	from, to int,
) {
	log.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Warn("Unrecoverable deployment error, skipping remaining iterations")

	now := time.Now().UTC()

	for i := from; i <= to; i++ {
		iter := &pipeline.Iteration{
			Index:     i,
			Status:    pipeline.StatusSkipped,
			StartedAt: now,
		}

		if err := o.record(ctx, func() error {
			return o.tr.RecordIteration(ctx, run.ID, iter)
		}); err != nil {
			log.WithError(err).WithField("iteration", i).Error("Failed to record skipped iteration")

			continue
		}

		run.Iterations = append(run.Iterations, *iter)
	}
}

// commitAndPush commits the successful iteration's changes and pushes
// the branch when git integration is enabled.
func (o *orchestrator) commitAndPush(ctx context.Context, log logrus.FieldLogger, iteration int) {
	if o.collab.Git == nil {
		return
	}

	dirty, err := o.collab.Git.HasChanges(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to check work tree state")

		return
	}

	if dirty {
		message := fmt.Sprintf("[AI] Automated fix attempt %d", iteration)

		if _, err := o.collab.Git.Commit(ctx, message); err != nil {
			log.WithError(err).Warn("Failed to commit changes")

			return
		}
	}

	if !o.cfg.Git.Push {
		return
	}

	branch, err := o.collab.Git.CurrentBranch(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve branch for push")

		return
	}

	if err := o.collab.Git.Push(ctx, o.cfg.Git.Remote, branch); err != nil {
		log.WithError(err).Warn("Failed to push branch")
	}
}

// finish stamps the run end, records the final state, indexes and
// reports it. Uses a background context so a cancelled run is still
// persisted.
func (o *orchestrator) finish(run *pipeline.Run, cause error) (*pipeline.Run, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cause != nil && !run.Status.Terminal() {
		if err := run.Transition(pipeline.StatusFailed); err != nil {
			o.log.WithError(err).Debug("Final transition rejected")
		}
	}

	run.EndedAt = time.Now().UTC()

	if err := o.record(ctx, func() error { return o.tr.RecordRun(ctx, run) }); err != nil {
		o.log.WithError(err).Error("Failed to record final run state")
	}

	if o.collab.Index != nil {
		if row, err := indexstore.FromPipelineRun(run); err != nil {
			o.log.WithError(err).Warn("Failed to build index row")
		} else if err := o.collab.Index.UpsertRun(ctx, row); err != nil {
			o.log.WithError(err).Warn("Failed to index run")
		}
	}

	o.report(ctx, run)

	return run, cause
}

// record executes a tracker write with a single retry.
func (o *orchestrator) record(ctx context.Context, write func() error) error {
	err := write()
	if err == nil {
		return nil
	}

	o.log.WithError(err).Warn("Tracker write failed, retrying once")

	select {
	case <-ctx.Done():
		return err
	case <-time.After(trackerRetryDelay):
	}

	return write()
}

// stageCommand returns the configured command override for a stage.
func (o *orchestrator) stageCommand(kind pipeline.StageKind) string {
	switch kind {
	case pipeline.StageBuild:
		return o.cfg.Pipeline.Commands.Build
	case pipeline.StageTest:
		return o.cfg.Pipeline.Commands.Test
	case pipeline.StageDeploy:
		return o.cfg.Pipeline.Commands.Deploy
	default:
		return ""
	}
}

// stageTimeout returns the configured timeout for a stage.
func (o *orchestrator) stageTimeout(kind pipeline.StageKind) time.Duration {
	var seconds int

	switch kind {
	case pipeline.StageBuild:
		seconds = o.cfg.Pipeline.Timeouts.Build
	case pipeline.StageTest:
		seconds = o.cfg.Pipeline.Timeouts.Test
	case pipeline.StageDeploy:
		seconds = o.cfg.Pipeline.Timeouts.Deploy
	}

	return time.Duration(seconds) * time.Second
}

// outputLimit returns the configured stage output cap in bytes.
func (o *orchestrator) outputLimit() int64 {
	limit, err := o.cfg.Pipeline.OutputLimitBytes()
	if err != nil || limit <= 0 {
		return stage.DefaultOutputLimit
	}

	return limit
}

// timedOut reports whether the derived stage context hit its deadline
// while the parent was still alive.
func timedOut(stageCtx, parent context.Context) bool {
	return errors.Is(stageCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func newStageResult(kind pipeline.StageKind) *pipeline.StageResult {
	return &pipeline.StageResult{
		Kind:      kind,
		Status:    pipeline.StatusRunning,
		ExitCode:  -1,
		StartedAt: time.Now().UTC(),
	}
}

func failStage(res *pipeline.StageResult, msg string) {
	res.Status = pipeline.StatusFailed
	res.Error = msg
	res.Duration = time.Since(res.StartedAt)
}

func finishStage(res *pipeline.StageResult, out *cappedWriter) {
	res.Output = out.String()
	res.Truncated = out.Truncated()
	res.Duration = time.Since(res.StartedAt)
}

// cappedWriter captures stage output up to a byte limit.
type cappedWriter struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int64
	truncated bool
}

func newCappedWriter(limit int64) *cappedWriter {
	return &cappedWriter{limit: limit}
}

// Write never fails; excess bytes are dropped and flagged.
func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.limit - int64(w.buf.Len())
	if remaining <= 0 {
		w.truncated = true

		return len(p), nil
	}

	if int64(len(p)) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true

		return len(p), nil
	}

	w.buf.Write(p)

	return len(p), nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.truncated {
		return w.buf.String() + stage.TruncationMarker
	}

	return w.buf.String()
}

func (w *cappedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.truncated
}
