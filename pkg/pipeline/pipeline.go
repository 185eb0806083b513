// Package pipeline defines the data model shared by the orchestrator,
// the tracker and the reporting surfaces: runs, iterations and stage
// results, together with their status machine.
package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status describes the lifecycle state of a run, iteration or stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusSkipped marks iterations that were never attempted because
	// an earlier iteration hit an unrecoverable deployment error.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// StageKind identifies a pipeline stage.
type StageKind string

const (
	StageBuild  StageKind = "build"
	StageTest   StageKind = "test"
	StageDeploy StageKind = "deploy"
)

// Stages lists the stage kinds in execution order. Build must precede
// Test, and Deploy only ever runs against a tested build.
var Stages = []StageKind{StageBuild, StageTest, StageDeploy}

// StageResult records the outcome of a single stage execution.
type StageResult struct {
	Kind      StageKind     `json:"kind"`
	Status    Status        `json:"status"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`

	// Output holds combined stdout/stderr up to the configured cap.
	// Truncated is set when the cap was hit.
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// Error carries the failure description for stages that did not
	// produce an exit code (collaborator calls, spawn failures).
	Error string `json:"error,omitempty"`
}

// Failed reports whether the stage counts as failed, including timeouts.
func (r *StageResult) Failed() bool {
	return r.Status == StatusFailed || r.TimedOut
}

// Iteration is one complete attempt of the build/test/deploy sequence.
// It is immutable once finalized.
type Iteration struct {
	Index     int           `json:"index"`
	Status    Status        `json:"status"`
	Stages    []StageResult `json:"stages,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Finalize derives the iteration status from its stage results and
// stamps the duration. An iteration is failed if any stage failed or
// timed out, or if it was interrupted before every stage produced a
// result: a build-only record must never read as a completed attempt.
func (it *Iteration) Finalize(endedAt time.Time) {
	if !it.StartedAt.IsZero() {
		it.Duration = endedAt.Sub(it.StartedAt)
	}

	for i := range it.Stages {
		if it.Stages[i].Failed() {
			it.Status = StatusFailed

			return
		}
	}

	if len(it.Stages) < len(Stages) {
		it.Status = StatusFailed

		return
	}

	it.Status = StatusSucceeded
}

// Environment is a snapshot of the host the run executed on.
type Environment struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os,omitempty"`
	Platform        string `json:"platform,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	CPUModel        string `json:"cpu_model,omitempty"`
	CPUCount        int    `json:"cpu_count,omitempty"`
	MemoryTotal     uint64 `json:"memory_total,omitempty"`
	GoVersion       string `json:"go_version,omitempty"`
	PipeloorVersion string `json:"pipeloor_version,omitempty"`
}

// Run is the full bounded sequence of iterations for one triggering
// change. It is owned exclusively by the orchestrator for its lifetime
// and persisted through the tracker.
type Run struct {
	ID          string       `json:"id"`
	Branch      string       `json:"branch,omitempty"`
	Status      Status       `json:"status"`
	Iterations  []Iteration  `json:"iterations,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at,omitempty"`
	Environment *Environment `json:"environment,omitempty"`
}

// NewRun creates a run in the pending state with a fresh ID.
func NewRun() *Run {
	return &Run{
		ID:     NewID(),
		Status: StatusPending,
	}
}

// Transition moves the run to the given status, enforcing the
// pending -> running -> {succeeded, failed} machine.
func (r *Run) Transition(to Status) error {
	valid := false

	switch r.Status {
	case StatusPending:
		valid = to == StatusRunning
	case StatusRunning:
		valid = to == StatusRunning || to == StatusSucceeded || to == StatusFailed
	}

	if !valid {
		return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
	}

	r.Status = to

	return nil
}

// Duration returns the wall-clock duration of the run so far.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}

	end := r.EndedAt
	if end.IsZero() {
		end = time.Now()
	}

	return end.Sub(r.StartedAt)
}

// NewID generates a short random hex identifier (8 characters).
func NewID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}

	return hex.EncodeToString(b)
}
