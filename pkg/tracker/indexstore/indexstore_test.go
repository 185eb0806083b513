package indexstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
)

func setupTestStore(t *testing.T) indexstore.Store {
	t.Helper()

	cfg := &config.IndexConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := indexstore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_UpsertAndListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()

	runA := &indexstore.Run{
		RunID:     "run-1",
		Branch:    "TEAM_A_LEAD_A_AI_Fix",
		Status:    "succeeded",
		Timestamp: now,
	}
	runB := &indexstore.Run{
		RunID:     "run-2",
		Branch:    "TEAM_B_LEAD_B_AI_Fix",
		Status:    "failed",
		Timestamp: now + 1,
	}

	require.NoError(t, s.UpsertRun(ctx, runA))
	require.NoError(t, s.UpsertRun(ctx, runB))

	runs, err := s.ListRuns(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, "run-1", runs[1].RunID)

	count, err := s.CountRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &indexstore.Run{
		RunID:     "run-1",
		Status:    "running",
		Timestamp: time.Now().Unix(),
	}
	require.NoError(t, s.UpsertRun(ctx, run))

	// Upsert again with updated status.
	updated := &indexstore.Run{
		RunID:      "run-1",
		Status:     "succeeded",
		Timestamp:  run.Timestamp,
		Iterations: 2,
	}
	require.NoError(t, s.UpsertRun(ctx, updated))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.Equal(t, 2, got.Iterations)

	count, err := s.CountRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, indexstore.ErrNotFound)
}

func TestStore_ListRunsByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"succeeded", "failed", "succeeded"} {
		require.NoError(t, s.UpsertRun(ctx, &indexstore.Run{
			RunID:     string(rune('a' + i)),
			Status:    status,
			Timestamp: int64(i),
		}))
	}

	runs, err := s.ListRunsByStatus(ctx, "succeeded")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	ids, err := s.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestFromPipelineRun(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	ended := time.Now()

	run := &pipeline.Run{
		ID:     "run-9",
		Branch: "TEAM_X_LEAD_X_AI_Fix",
		Status: pipeline.StatusSucceeded,
		Iterations: []pipeline.Iteration{
			{
				Index:  1,
				Status: pipeline.StatusFailed,
				Stages: []pipeline.StageResult{
					{Kind: pipeline.StageBuild, Status: pipeline.StatusSucceeded},
					{Kind: pipeline.StageTest, Status: pipeline.StatusFailed},
				},
			},
			{
				Index:  2,
				Status: pipeline.StatusSucceeded,
				Stages: []pipeline.StageResult{
					{Kind: pipeline.StageBuild, Status: pipeline.StatusSucceeded},
					{Kind: pipeline.StageTest, Status: pipeline.StatusSucceeded},
				},
			},
		},
		StartedAt:   started,
		EndedAt:     ended,
		Environment: &pipeline.Environment{Hostname: "ci-host"},
	}

	row, err := indexstore.FromPipelineRun(run)
	require.NoError(t, err)

	assert.Equal(t, "run-9", row.RunID)
	assert.Equal(t, "succeeded", row.Status)
	assert.Equal(t, 2, row.Iterations)
	assert.Equal(t, 2, row.SucceededIteration)
	assert.Equal(t, 4, row.StagesRun)
	assert.Equal(t, started.Unix(), row.Timestamp)
	assert.Equal(t, ended.Unix(), row.TimestampEnd)
	assert.InDelta(t, ended.Sub(started).Seconds(), row.DurationSeconds, 0.01)
	assert.Contains(t, row.IterationsJSON, `"index":2`)
	assert.Contains(t, row.EnvironmentJSON, "ci-host")
}
