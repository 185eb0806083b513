package indexstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/riftops/pipeloor/pkg/pipeline"
)

// Run is a single indexed pipeline run. The authoritative record is the
// tracker's append-only log; this row exists for queries.
type Run struct {
	ID     uint   `gorm:"primaryKey"`
	RunID  string `gorm:"not null;uniqueIndex:idx_runs_run_id"`
	Branch string `gorm:"index"`
	Status string `gorm:"index"`

	Timestamp       int64
	TimestampEnd    int64
	DurationSeconds float64

	// Denormalized iteration stats.
	Iterations          int
	SucceededIteration  int // 1-based, 0 when no iteration succeeded.
	StagesRun           int
	UnrecoverableDeploy bool

	// Full iteration and environment payloads serialized as JSON.
	IterationsJSON  string `gorm:"type:text"`
	EnvironmentJSON string `gorm:"type:text"`

	IndexedAt time.Time
}

// FromPipelineRun builds the index row for a run.
func FromPipelineRun(run *pipeline.Run) (*Run, error) {
	iterations, err := json.Marshal(run.Iterations)
	if err != nil {
		return nil, fmt.Errorf("encoding iterations: %w", err)
	}

	row := &Run{
		RunID:          run.ID,
		Branch:         run.Branch,
		Status:         string(run.Status),
		Timestamp:      run.StartedAt.Unix(),
		Iterations:     len(run.Iterations),
		IterationsJSON: string(iterations),
		IndexedAt:      time.Now().UTC(),
	}

	if !run.EndedAt.IsZero() {
		row.TimestampEnd = run.EndedAt.Unix()
		row.DurationSeconds = run.EndedAt.Sub(run.StartedAt).Seconds()
	}

	for _, it := range run.Iterations {
		row.StagesRun += len(it.Stages)

		if it.Status == pipeline.StatusSucceeded && row.SucceededIteration == 0 {
			row.SucceededIteration = it.Index
		}
	}

	if run.Environment != nil {
		env, err := json.Marshal(run.Environment)
		if err != nil {
			return nil, fmt.Errorf("encoding environment: %w", err)
		}

		row.EnvironmentJSON = string(env)
	}

	return row, nil
}
