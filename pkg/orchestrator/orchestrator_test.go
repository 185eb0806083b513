package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/deploy"
	"github.com/riftops/pipeloor/pkg/docker"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/stage"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime drives the default build and test stages without a
// container engine. Test exit codes are consumed per call. Safe for
// concurrent runs.
type fakeRuntime struct {
	mu            sync.Mutex
	buildErr      error
	builds        int
	onBuild       func()
	testExitCodes []int64
	testRuns      int
}

var _ docker.ContainerRuntime = (*fakeRuntime)(nil)

func (f *fakeRuntime) Start(ctx context.Context) error { return nil }
func (f *fakeRuntime) Stop() error                     { return nil }

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name string) error { return nil }
func (f *fakeRuntime) RemoveNetwork(ctx context.Context, name string) error { return nil }

func (f *fakeRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, output io.Writer) error {
	f.mu.Lock()
	f.builds++
	f.mu.Unlock()

	if f.onBuild != nil {
		f.onBuild()
	}

	if output != nil {
		_, _ = io.WriteString(output, "Step 1/1 : FROM scratch\n")
	}

	return f.buildErr
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageName, policy string) error { return nil }

func (f *fakeRuntime) GetImageDigest(ctx context.Context, imageName string) (string, error) {
	return "sha256:deadbeef", nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec *docker.ContainerSpec) (string, error) {
	return "cid", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error  { return nil }
func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error   { return nil }
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error { return nil }

func (f *fakeRuntime) RunContainer(
	ctx context.Context,
	spec *docker.ContainerSpec,
	timeout time.Duration,
	stdout, stderr io.Writer,
) (int64, error) {
	f.mu.Lock()

	code := int64(0)
	if f.testRuns < len(f.testExitCodes) {
		code = f.testExitCodes[f.testRuns]
	}

	f.testRuns++
	f.mu.Unlock()

	if stdout != nil {
		_, _ = io.WriteString(stdout, "test output\n")
	}

	return code, nil
}

func (f *fakeRuntime) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	return nil
}

func (f *fakeRuntime) WaitForContainerExit(ctx context.Context, id string) (<-chan int64, <-chan error) {
	statusCh := make(chan int64, 1)
	errCh := make(chan error, 1)
	statusCh <- 0

	return statusCh, errCh
}

func (f *fakeRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	return nil
}
func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error { return nil }

func (f *fakeRuntime) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	return nil, nil
}

func (f *fakeRuntime) ListVolumes(ctx context.Context) ([]docker.VolumeInfo, error) {
	return nil, nil
}

// fakeDeploy returns queued errors per call, then succeeds.
type fakeDeploy struct {
	errs  []error
	calls int
}

var _ deploy.Client = (*fakeDeploy)(nil)

func (f *fakeDeploy) Name() string { return "fake" }

func (f *fakeDeploy) Deploy(ctx context.Context) (*deploy.Result, error) {
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}

	f.calls++

	if err != nil {
		return nil, err
	}

	return &deploy.Result{Target: "fake", Reference: "ref-1", Detail: "deployed"}, nil
}

// slowFirstFailDeploy fails the first deploy unrecoverably and delays
// every later deploy so a cancelled shared context would be observed.
type slowFirstFailDeploy struct {
	mu    sync.Mutex
	calls int
}

var _ deploy.Client = (*slowFirstFailDeploy)(nil)

func (f *slowFirstFailDeploy) Name() string { return "fake" }

func (f *slowFirstFailDeploy) Deploy(ctx context.Context) (*deploy.Result, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if first {
		return nil, &deploy.UnrecoverableError{Target: "fake", Reason: "bad credentials"}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	return &deploy.Result{Target: "fake", Reference: "ref-1", Detail: "deployed"}, nil
}

// fakeStageRunner records commands and reports success.
type fakeStageRunner struct {
	commands []string
}

var _ stage.Runner = (*fakeStageRunner)(nil)

func (f *fakeStageRunner) Run(
	ctx context.Context,
	kind pipeline.StageKind,
	command string,
	timeout time.Duration,
) *pipeline.StageResult {
	f.commands = append(f.commands, command)

	return &pipeline.StageResult{
		Kind:      kind,
		Status:    pipeline.StatusSucceeded,
		StartedAt: time.Now().UTC(),
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Global: config.GlobalConfig{
			LogLevel:         "error",
			ContainerRuntime: "docker",
			DockerNetwork:    "pipeloor",
		},
		Pipeline: config.PipelineConfig{
			Iterations:   3,
			DelaySeconds: 0,
			Timeouts:     config.StageTimeouts{Build: 600, Test: 300, Deploy: 600},
			ResultsDir:   filepath.Join(t.TempDir(), "results"),
			OutputLimit:  "64KiB",
		},
		Docker: config.DockerConfig{
			ImageName:     "riftops/app",
			ContainerName: "riftops-app",
			BuildContext:  ".",
		},
		Git: config.GitConfig{Remote: "origin", BaseBranch: "main"},
	}
}

func newTestOrchestrator(
	t *testing.T,
	cfg *config.Config,
	collab *Collaborators,
) (Orchestrator, tracker.Tracker) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tr := tracker.NewTracker(log, t.TempDir())
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop() })

	return New(log, cfg, tr, &fakeStageRunner{}, collab), tr
}

func TestExecute_SucceedsOnFirstIteration(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{0}}

	o, tr := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	require.Len(t, run.Iterations, 1)
	assert.Equal(t, pipeline.StatusSucceeded, run.Iterations[0].Status)
	assert.Equal(t, 1, rt.builds)
	assert.Equal(t, 1, rt.testRuns)

	// Deploy has no target and is skipped, not failed.
	stages := run.Iterations[0].Stages
	require.Len(t, stages, 3)
	assert.Equal(t, pipeline.StatusSkipped, stages[2].Status)

	// The run is reloadable from the tracker log.
	loaded, err := tr.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSucceeded, loaded.Status)
	assert.Len(t, loaded.Iterations, 1)
}

func TestExecute_FailsAfterAllIterations(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{1, 1, 1}}

	o, tr := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusFailed, run.Status)
	require.Len(t, run.Iterations, 3)

	for _, iter := range run.Iterations {
		assert.Equal(t, pipeline.StatusFailed, iter.Status)

		// Test failed, so deploy never ran in this iteration.
		require.Len(t, iter.Stages, 2)
		assert.Equal(t, pipeline.StageTest, iter.Stages[1].Kind)
		assert.Equal(t, 1, iter.Stages[1].ExitCode)
	}

	loaded, err := tr.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Iterations, 3)
}

func TestExecute_StopsAtFirstSuccess(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{1, 0, 1}}

	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	require.Len(t, run.Iterations, 2)
	assert.Equal(t, pipeline.StatusFailed, run.Iterations[0].Status)
	assert.Equal(t, pipeline.StatusSucceeded, run.Iterations[1].Status)
	assert.Equal(t, 2, rt.testRuns)
}

func TestExecute_UnrecoverableDeploySkipsRemaining(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{0, 0, 0}}
	dep := &fakeDeploy{errs: []error{
		&deploy.UnrecoverableError{Target: "fake", Reason: "bad credentials"},
	}}

	o, tr := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt, Deploy: dep})

	run, err := o.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, deploy.IsUnrecoverable(err))

	assert.Equal(t, pipeline.StatusFailed, run.Status)
	require.Len(t, run.Iterations, 3)

	assert.Equal(t, pipeline.StatusFailed, run.Iterations[0].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Iterations[1].Status)
	assert.Equal(t, pipeline.StatusSkipped, run.Iterations[2].Status)

	// Only the first iteration ran any stages.
	assert.Equal(t, 1, dep.calls)
	assert.Equal(t, 1, rt.testRuns)

	loaded, err := tr.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Iterations, 3)
	assert.Equal(t, pipeline.StatusSkipped, loaded.Iterations[2].Status)
}

func TestExecute_TransientDeployFailureRetries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Iterations = 2

	rt := &fakeRuntime{testExitCodes: []int64{0, 0}}
	dep := &fakeDeploy{errs: []error{
		assert.AnError, // transient, retried in the next iteration
	}}

	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt, Deploy: dep})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	require.Len(t, run.Iterations, 2)
	assert.Equal(t, pipeline.StatusFailed, run.Iterations[0].Status)
	assert.Equal(t, pipeline.StatusSucceeded, run.Iterations[1].Status)
	assert.Equal(t, 2, dep.calls)
}

func TestExecute_CommandOverridesUseStageRunner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Commands = config.StageCommands{
		Build:  "make build",
		Test:   "make test",
		Deploy: "make deploy",
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tr := tracker.NewTracker(log, t.TempDir())
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop() })

	runner := &fakeStageRunner{}
	o := New(log, cfg, tr, runner, &Collaborators{})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusSucceeded, run.Status)
	assert.Equal(t, []string{"make build", "make test", "make deploy"}, runner.commands)
}

func TestExecute_DerivesBranchFromNaming(t *testing.T) {
	cfg := testConfig(t)
	cfg.Naming = config.NamingConfig{
		TeamName:   "RIFT ORGANISERS",
		LeaderName: "Saiyam Kumar",
	}

	rt := &fakeRuntime{testExitCodes: []int64{0}}
	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "RIFT_ORGANISERS_SAIYAM_KUMAR_AI_Fix", run.Branch)
}

func TestExecute_InvalidNamingAbortsBeforeFirstIteration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Naming = config.NamingConfig{TeamName: "RIFT ORGANISERS"}

	rt := &fakeRuntime{}
	o, tr := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, run)
	assert.Zero(t, rt.builds)

	ids, err := tr.ListRunIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExecute_WritesSummaryFiles(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{0}}

	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(context.Background(), nil)
	require.NoError(t, err)

	dir := filepath.Join(cfg.Pipeline.ResultsDir, run.ID)

	raw, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), run.ID)

	md, err := os.ReadFile(filepath.Join(dir, "summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "| 1 | succeeded |")
}

func TestExecute_CancelledMidIterationRecordsFailure(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands while the build stage is running; the test and
	// deploy stages never start.
	rt := &fakeRuntime{onBuild: cancel, testExitCodes: []int64{0}}
	o, tr := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	run, err := o.Execute(ctx, nil)
	require.Error(t, err)
	require.NotNil(t, run)

	assert.Equal(t, pipeline.StatusFailed, run.Status)
	require.Len(t, run.Iterations, 1)

	// The partial iteration must not read as a completed attempt.
	iter := run.Iterations[0]
	assert.Equal(t, pipeline.StatusFailed, iter.Status)
	assert.Less(t, len(iter.Stages), 3)
	assert.Zero(t, rt.testRuns)

	loaded, err := tr.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Iterations, 1)
	assert.Equal(t, pipeline.StatusFailed, loaded.Iterations[0].Status)
}

func TestExecuteAll(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{0, 0, 0}}

	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt})

	runs, err := o.ExecuteAll(context.Background(), []*Request{{}, {}, {}})
	require.NoError(t, err)
	require.Len(t, runs, 3)

	seen := map[string]bool{}

	for _, run := range runs {
		require.NotNil(t, run)
		assert.Equal(t, pipeline.StatusSucceeded, run.Status)
		assert.False(t, seen[run.ID], "run IDs must be unique")
		seen[run.ID] = true
	}
}

func TestExecuteAll_RunsAreIndependent(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{testExitCodes: []int64{0, 0}}
	dep := &slowFirstFailDeploy{}

	o, _ := newTestOrchestrator(t, cfg, &Collaborators{Runtime: rt, Deploy: dep})

	runs, err := o.ExecuteAll(context.Background(), []*Request{{}, {}})
	require.Error(t, err)
	assert.True(t, deploy.IsUnrecoverable(err))
	require.Len(t, runs, 2)

	statuses := map[pipeline.Status]int{}

	for _, run := range runs {
		require.NotNil(t, run)
		statuses[run.Status]++
	}

	// One run hits the unrecoverable deploy; the sibling must still run
	// all of its stages to completion.
	assert.Equal(t, 1, statuses[pipeline.StatusFailed])
	assert.Equal(t, 1, statuses[pipeline.StatusSucceeded])

	for _, run := range runs {
		if run.Status != pipeline.StatusSucceeded {
			continue
		}

		require.Len(t, run.Iterations, 1)
		require.Len(t, run.Iterations[0].Stages, 3)
		assert.Equal(t, pipeline.StatusSucceeded, run.Iterations[0].Stages[2].Status)
	}
}
