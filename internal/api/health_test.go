package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snarg/voice-sentinel/internal/archive"
	"github.com/snarg/voice-sentinel/internal/database"
	"github.com/snarg/voice-sentinel/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) error { return f.err }

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

type fakeWatcher struct{}

func (fakeWatcher) Status() watch.Status {
	return watch.Status{Status: "watching", WatchDir: "/inbox", FilesProcessed: 3}
}

type fakeArchive struct{}

func (fakeArchive) Stats() archive.QueueStats { return archive.QueueStats{Completed: 7} }

func serveHealth(t *testing.T, opts HealthOptions) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	NewHealthHandler(opts).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		code, resp := serveHealth(t, HealthOptions{ClassifierURL: "http://c", StartTime: time.Now()})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "configured", resp.Checks["classifier"])
		assert.Equal(t, "not_configured", resp.Checks["database"])
		assert.Equal(t, "not_configured", resp.Checks["mqtt"])
		assert.Nil(t, resp.Watcher)
	})

	t.Run("no_classifier_is_unhealthy", func(t *testing.T) {
		code, resp := serveHealth(t, HealthOptions{})
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
	})

	t.Run("dependency_errors_degrade", func(t *testing.T) {
		code, resp := serveHealth(t, HealthOptions{
			ClassifierURL: "http://c",
			DB:            fakeDB{err: errors.New("down")},
			MQTT:          fakeMQTT{connected: false},
		})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "error", resp.Checks["database"])
		assert.Equal(t, "disconnected", resp.Checks["mqtt"])
	})

	t.Run("all_components", func(t *testing.T) {
		_, resp := serveHealth(t, HealthOptions{
			ClassifierURL: "http://c",
			DB:            fakeDB{},
			MQTT:          fakeMQTT{connected: true},
			Watcher:       fakeWatcher{},
			Archive:       fakeArchive{},
			Sessions:      func() int { return 4 },
		})
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ok", resp.Checks["database"])
		assert.Equal(t, "watching", resp.Checks["file_watcher"])
		assert.Equal(t, 4, resp.Sessions)
		require.NotNil(t, resp.Watcher)
		assert.Equal(t, int64(3), resp.Watcher.FilesProcessed)
		require.NotNil(t, resp.Archive)
		assert.Equal(t, int64(7), resp.Archive.Completed)
	})
}

func TestLiveness(t *testing.T) {
	env := newTestEnv(t, authentic(90))
	rec := env.do(t, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, authentic(90))
	env.createSession(t)
	rec := env.do(t, "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voice_sentinel_http_requests_total")
}

type fakeLister struct {
	got  database.AnalysisFilter
	rows []database.AnalysisAPI
	err  error
}

func (f *fakeLister) ListAnalyses(ctx context.Context, filter database.AnalysisFilter) ([]database.AnalysisAPI, int, error) {
	f.got = filter
	return f.rows, len(f.rows), f.err
}

func TestListAnalyses(t *testing.T) {
	t.Run("not_configured", func(t *testing.T) {
		env := newTestEnv(t, authentic(90))
		rec := env.do(t, "GET", "/api/v1/analyses", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, ErrUnavailable, decodeError(t, rec).Code)
	})

	t.Run("filters", func(t *testing.T) {
		lister := &fakeLister{rows: []database.AnalysisAPI{{ID: 1, SampleRef: "abc", IsAuthentic: true}}}
		env := newTestEnv(t, authentic(90), withAnalyses(lister))
		rec := env.do(t, "GET", "/api/v1/analyses?session_id=s1&is_authentic=false&since=2026-01-02T03:04:05Z&limit=10&offset=5", nil, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, "s1", lister.got.SessionID)
		require.NotNil(t, lister.got.IsAuthentic)
		assert.False(t, *lister.got.IsAuthentic)
		require.NotNil(t, lister.got.Since)
		assert.Equal(t, 2026, lister.got.Since.Year())
		assert.Equal(t, 10, lister.got.Limit)
		assert.Equal(t, 5, lister.got.Offset)

		var resp analysesResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)
		assert.Equal(t, "abc", resp.Analyses[0].SampleRef)
	})

	t.Run("bad_pagination", func(t *testing.T) {
		env := newTestEnv(t, authentic(90), withAnalyses(&fakeLister{}))
		rec := env.do(t, "GET", "/api/v1/analyses?limit=zero", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("db_error", func(t *testing.T) {
		env := newTestEnv(t, authentic(90), withAnalyses(&fakeLister{err: errors.New("boom")}))
		rec := env.do(t, "GET", "/api/v1/analyses", nil, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
