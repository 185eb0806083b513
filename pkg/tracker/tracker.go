// Package tracker persists pipeline run state as an append-only log,
// one file per run. Records survive process restarts; on load the last
// complete record for an index wins and a truncated trailing record is
// discarded.
package tracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/sirupsen/logrus"
)

const logFileSuffix = ".jsonl"

// NotFoundError reports a lookup for a run that was never recorded.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// Tracker records and reloads pipeline runs.
type Tracker interface {
	Start(ctx context.Context) error
	Stop() error

	// RecordRun appends a snapshot of the run itself (status, branch,
	// timestamps, environment).
	RecordRun(ctx context.Context, run *pipeline.Run) error

	// RecordIteration appends the iteration for its index. Re-recording
	// an index with identical content is a no-op; different content
	// overwrites and is logged as a correction.
	RecordIteration(ctx context.Context, runID string, iter *pipeline.Iteration) error

	// LoadRun rebuilds a run from its log. Returns NotFoundError if no
	// log exists for the ID.
	LoadRun(ctx context.Context, runID string) (*pipeline.Run, error)

	// ListRunIDs returns the IDs of all recorded runs.
	ListRunIDs(ctx context.Context) ([]string, error)
}

// record is a single log entry. Exactly one of Run or Iteration is set.
type record struct {
	Type       string              `json:"type"`
	RecordedAt time.Time           `json:"recorded_at"`
	Run        *pipeline.Run       `json:"run,omitempty"`
	Iteration  *pipeline.Iteration `json:"iteration,omitempty"`
}

const (
	recordTypeRun       = "run"
	recordTypeIteration = "iteration"
)

// NewTracker creates a file-backed tracker rooted at dir.
func NewTracker(log logrus.FieldLogger, dir string) Tracker {
	return &tracker{
		log:   log.WithField("component", "tracker"),
		dir:   dir,
		locks: make(map[string]*runLock),
	}
}

type runLock struct {
	mu sync.Mutex

	// lastIteration caches the marshaled form of the last record per
	// iteration index, for idempotence checks.
	lastIteration map[int][]byte
}

type tracker struct {
	log logrus.FieldLogger
	dir string

	mu    sync.Mutex
	locks map[string]*runLock
}

// Ensure interface compliance.
var _ Tracker = (*tracker)(nil)

// Start ensures the log directory exists.
func (t *tracker) Start(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return fmt.Errorf("creating tracker directory: %w", err)
	}

	t.log.WithField("dir", t.dir).Debug("Tracker started")

	return nil
}

// Stop releases tracker resources.
func (t *tracker) Stop() error {
	return nil
}

// RecordRun appends a run snapshot record.
func (t *tracker) RecordRun(ctx context.Context, run *pipeline.Run) error {
	rec := &record{
		Type:       recordTypeRun,
		RecordedAt: time.Now().UTC(),
		Run:        run,
	}

	return t.append(run.ID, rec)
}

// RecordIteration appends an iteration record for the given run.
func (t *tracker) RecordIteration(
	ctx context.Context,
	runID string,
	iter *pipeline.Iteration,
) error {
	payload, err := json.Marshal(iter)
	if err != nil {
		return fmt.Errorf("marshaling iteration: %w", err)
	}

	lock := t.lockFor(runID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	if prev, ok := lock.lastIteration[iter.Index]; ok {
		if bytes.Equal(prev, payload) {
			// Identical re-record, nothing to do.
			return nil
		}

		t.log.WithFields(logrus.Fields{
			"run_id":    runID,
			"iteration": iter.Index,
		}).Warn("Overwriting previously recorded iteration (correction)")
	}

	rec := &record{
		Type:       recordTypeIteration,
		RecordedAt: time.Now().UTC(),
		Iteration:  iter,
	}

	if err := t.appendLocked(runID, rec); err != nil {
		return err
	}

	lock.lastIteration[iter.Index] = payload

	return nil
}

// LoadRun replays the log for the given run ID.
func (t *tracker) LoadRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	data, err := os.ReadFile(t.logPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}

		return nil, fmt.Errorf("reading run log: %w", err)
	}

	var (
		run        *pipeline.Run
		iterations = make(map[int]pipeline.Iteration)
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	// A trailing record without a newline terminator is treated as a
	// partial write from a crash and discarded.
	complete := countCompleteLines(data)
	line := 0

	for scanner.Scan() {
		line++
		if line > complete {
			break
		}

		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.log.WithFields(logrus.Fields{
				"run_id": runID,
				"line":   line,
			}).Warn("Discarding corrupt tracker record")

			continue
		}

		switch rec.Type {
		case recordTypeRun:
			if rec.Run != nil {
				run = rec.Run
			}
		case recordTypeIteration:
			if rec.Iteration != nil {
				// Last complete record for an index wins.
				iterations[rec.Iteration.Index] = *rec.Iteration
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning run log: %w", err)
	}

	if run == nil {
		return nil, &NotFoundError{RunID: runID}
	}

	if len(iterations) > 0 {
		indices := make([]int, 0, len(iterations))
		for idx := range iterations {
			indices = append(indices, idx)
		}

		sort.Ints(indices)

		run.Iterations = make([]pipeline.Iteration, 0, len(indices))
		for _, idx := range indices {
			run.Iterations = append(run.Iterations, iterations[idx])
		}
	}

	return run, nil
}

// ListRunIDs returns all run IDs with a log file.
func (t *tracker) ListRunIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing tracker directory: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, logFileSuffix))
	}

	sort.Strings(ids)

	return ids, nil
}

// lockFor returns the per-run lock, creating it on first use. Appends
// for different runs proceed independently; appends for the same run
// serialize, which keeps each log free of interleaved writes.
func (t *tracker) lockFor(runID string) *runLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[runID]
	if !ok {
		lock = &runLock{lastIteration: make(map[int][]byte)}
		t.locks[runID] = lock
	}

	return lock
}

func (t *tracker) append(runID string, rec *record) error {
	lock := t.lockFor(runID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	return t.appendLocked(runID, rec)
}

// appendLocked writes a single record as one line. The caller holds
// the per-run lock.
func (t *tracker) appendLocked(runID string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	f, err := os.OpenFile(t.logPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}

	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("appending record: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run log: %w", err)
	}

	return nil
}

func (t *tracker) logPath(runID string) string {
	return filepath.Join(t.dir, runID+logFileSuffix)
}

// countCompleteLines returns the number of newline-terminated lines.
func countCompleteLines(data []byte) int {
	return bytes.Count(data, []byte{'\n'})
}
