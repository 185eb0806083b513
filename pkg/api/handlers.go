package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runListEntry is one row of the runs listing.
type runListEntry struct {
	RunID              string  `json:"run_id"`
	Branch             string  `json:"branch,omitempty"`
	Status             string  `json:"status"`
	Timestamp          int64   `json:"timestamp"`
	TimestampEnd       int64   `json:"timestamp_end,omitempty"`
	DurationSeconds    float64 `json:"duration_seconds,omitempty"`
	Iterations         int     `json:"iterations"`
	SucceededIteration int     `json:"succeeded_iteration,omitempty"`
}

type runListResponse struct {
	Runs  []runListEntry `json:"runs"`
	Total int            `json:"total"`
}

// handleListRuns lists recorded runs, newest first. Served from the
// index when available, otherwise reloaded from the tracker log.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	status := r.URL.Query().Get("status")

	if s.index != nil {
		s.listFromIndex(w, r, limit, offset, status)

		return
	}

	s.listFromTracker(w, r, status)
}

func (s *server) listFromIndex(
	w http.ResponseWriter,
	r *http.Request,
	limit, offset int,
	status string,
) {
	var (
		rows []indexstore.Run
		err  error
	)

	if status != "" {
		rows, err = s.index.ListRunsByStatus(r.Context(), status)
	} else {
		rows, err = s.index.ListRuns(r.Context(), limit, offset)
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing runs"})

		return
	}

	entries := make([]runListEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, runListEntry{
			RunID:              row.RunID,
			Branch:             row.Branch,
			Status:             row.Status,
			Timestamp:          row.Timestamp,
			TimestampEnd:       row.TimestampEnd,
			DurationSeconds:    row.DurationSeconds,
			Iterations:         row.Iterations,
			SucceededIteration: row.SucceededIteration,
		})
	}

	writeJSON(w, http.StatusOK, runListResponse{Runs: entries, Total: len(entries)})
}

func (s *server) listFromTracker(w http.ResponseWriter, r *http.Request, status string) {
	ids, err := s.tr.ListRunIDs(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"listing runs"})

		return
	}

	entries := make([]runListEntry, 0, len(ids))

	for _, id := range ids {
		run, err := s.tr.LoadRun(r.Context(), id)
		if err != nil {
			s.log.WithError(err).WithField("run_id", id).Warn("Failed to load run")

			continue
		}

		if status != "" && string(run.Status) != status {
			continue
		}

		entries = append(entries, runListEntry{
			RunID:      run.ID,
			Branch:     run.Branch,
			Status:     string(run.Status),
			Timestamp:  run.StartedAt.Unix(),
			Iterations: len(run.Iterations),
		})
	}

	writeJSON(w, http.StatusOK, runListResponse{Runs: entries, Total: len(entries)})
}

// handleGetRun returns the full recorded run, iterations included. The
// tracker log is the source of truth for detail requests.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.tr.LoadRun(r.Context(), id)
	if err != nil {
		var nf *tracker.NotFoundError
		if errors.As(err, &nf) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).WithField("run_id", id).Error("Failed to load run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"loading run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}

	return n
}
