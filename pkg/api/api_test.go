package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func recordedRun(t *testing.T, tr tracker.Tracker, status pipeline.Status) *pipeline.Run {
	t.Helper()

	run := pipeline.NewRun()
	run.Branch = "TEAM_ONE_LEAD_ONE_AI_Fix"
	run.Status = status
	run.StartedAt = time.Now().UTC()
	run.Iterations = []pipeline.Iteration{
		{Index: 1, Status: status, StartedAt: run.StartedAt},
	}

	require.NoError(t, tr.RecordRun(context.Background(), run))
	require.NoError(t, tr.RecordIteration(context.Background(), run.ID, &run.Iterations[0]))

	return run
}

func newTestServer(t *testing.T, cfg *config.APIConfig, index indexstore.Store) (*server, tracker.Tracker) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tr := tracker.NewTracker(log, t.TempDir())
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop() })

	return &server{
		log:   log,
		cfg:   cfg,
		index: index,
		tr:    tr,
		done:  make(chan struct{}),
	}, tr
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, &config.APIConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHandleListRuns_TrackerFallback(t *testing.T) {
	s, tr := newTestServer(t, &config.APIConfig{}, nil)
	run := recordedRun(t, tr, pipeline.StatusSucceeded)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp runListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Equal(t, 1, resp.Total)
	assert.Equal(t, run.ID, resp.Runs[0].RunID)
	assert.Equal(t, "succeeded", resp.Runs[0].Status)
}

func TestHandleListRuns_FromIndex(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	index := indexstore.NewStore(log, &config.IndexConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, index.Start(context.Background()))
	t.Cleanup(func() { _ = index.Stop() })

	require.NoError(t, index.UpsertRun(context.Background(), &indexstore.Run{
		RunID:      "run-1",
		Status:     "failed",
		Timestamp:  time.Now().Unix(),
		Iterations: 3,
	}))

	s, _ := newTestServer(t, &config.APIConfig{}, index)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/?status=failed", nil)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp runListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "run-1", resp.Runs[0].RunID)
	assert.Equal(t, 3, resp.Runs[0].Iterations)
}

func TestHandleGetRun(t *testing.T) {
	s, tr := newTestServer(t, &config.APIConfig{}, nil)
	run := recordedRun(t, tr, pipeline.StatusFailed)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got pipeline.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Len(t, got.Iterations, 1)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t, &config.APIConfig{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil)
	rec := httptest.NewRecorder()

	s.buildRouter().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.APIConfig{
		AuthEnabled: true,
		Users: []config.BasicAuthUser{
			{Username: "ops", PasswordHash: string(hash)},
		},
	}

	s, tr := newTestServer(t, cfg, nil)
	recordedRun(t, tr, pipeline.StatusSucceeded)

	router := s.buildRouter()

	// No credentials.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong password.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
	req.SetBasicAuth("ops", "wrong")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid credentials.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
	req.SetBasicAuth("ops", "s3cret")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays public.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVisitorMapEvictsStaleEntries(t *testing.T) {
	vm := newVisitorMap(10)

	assert.True(t, vm.allow("10.0.0.1"))
	vm.visitors["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	assert.True(t, vm.allow("10.0.0.2"))

	vm.evictStale(visitorTTL)

	assert.NotContains(t, vm.visitors, "10.0.0.1")
	assert.Contains(t, vm.visitors, "10.0.0.2")
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4242"
	assert.Equal(t, "192.0.2.10", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractIP(req))
}

func TestRateLimit(t *testing.T) {
	s, tr := newTestServer(t, &config.APIConfig{RequestsPerMinute: 1}, nil)
	recordedRun(t, tr, pipeline.StatusSucceeded)

	router := s.buildRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
