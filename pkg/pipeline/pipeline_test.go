package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning},
		{name: "running to succeeded", from: StatusRunning, to: StatusSucceeded},
		{name: "running to failed", from: StatusRunning, to: StatusFailed},
		{name: "pending to succeeded", from: StatusPending, to: StatusSucceeded, wantErr: true},
		{name: "succeeded is terminal", from: StatusSucceeded, to: StatusRunning, wantErr: true},
		{name: "failed is terminal", from: StatusFailed, to: StatusRunning, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := NewRun()
			run.Status = tt.from

			err := run.Transition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.from, run.Status)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.to, run.Status)
		})
	}
}

func TestIterationFinalize(t *testing.T) {
	start := time.Now()

	it := Iteration{
		Index:     1,
		StartedAt: start,
		Stages: []StageResult{
			{Kind: StageBuild, Status: StatusSucceeded},
			{Kind: StageTest, Status: StatusSucceeded},
			{Kind: StageDeploy, Status: StatusSkipped},
		},
	}

	it.Finalize(start.Add(3 * time.Second))

	assert.Equal(t, StatusSucceeded, it.Status)
	assert.Equal(t, 3*time.Second, it.Duration)
}

func TestIterationFinalize_IncompleteStagesCountAsFailure(t *testing.T) {
	// An iteration interrupted after a healthy build has no test or
	// deploy result and must not record as succeeded.
	it := Iteration{
		Index:     1,
		StartedAt: time.Now(),
		Stages: []StageResult{
			{Kind: StageBuild, Status: StatusSucceeded},
		},
	}

	it.Finalize(time.Now())

	assert.Equal(t, StatusFailed, it.Status)
}

func TestIterationFinalize_TimeoutCountsAsFailure(t *testing.T) {
	it := Iteration{
		Index:     1,
		StartedAt: time.Now(),
		Stages: []StageResult{
			{Kind: StageBuild, Status: StatusSucceeded},
			{Kind: StageTest, Status: StatusRunning, TimedOut: true},
		},
	}

	it.Finalize(time.Now())

	assert.Equal(t, StatusFailed, it.Status)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusSkipped.Terminal())
}

func TestNewRun(t *testing.T) {
	run := NewRun()

	assert.Equal(t, StatusPending, run.Status)
	assert.Len(t, run.ID, 8)

	other := NewRun()
	assert.NotEqual(t, run.ID, other.ID)
}

func TestRunDuration(t *testing.T) {
	run := NewRun()
	assert.Zero(t, run.Duration())

	run.StartedAt = time.Now().Add(-time.Minute)
	assert.InDelta(t, time.Minute, run.Duration(), float64(time.Second))

	run.EndedAt = run.StartedAt.Add(30 * time.Second)
	assert.Equal(t, 30*time.Second, run.Duration())
}
