package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sightline/internal/config"
	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/timeutil"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/fake"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

type testEnv struct {
	ctrl     *pipeline.Controller
	journal  *db.DB
	session  db.Session
	modelDir string
	handler  http.Handler
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	old := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = old })

	factory := fake.NewFactory().OnAll(fake.Returns(fake.Raw(64, 48, 128, 96, "cat", 0.8)))
	metrics := monitoring.NewMetrics()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ctrl := pipeline.New(&config.PipelineOptions{WarmupDuration: config.String("0s")}, factory,
		pipeline.WithClock(clock), pipeline.WithMetrics(metrics))

	ctx := context.Background()
	require.NoError(t, ctrl.Initialize(ctx))
	require.NoError(t, ctrl.Warmup(ctx))
	ctrl.SubmitFrame(ctx, vision.Frame{Width: 640, Height: 480, MediaTime: 0, Seq: 1})

	journal, err := db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	session, err := journal.StartSession(vision.DelegateGPU, "", nil)
	require.NoError(t, err)

	modelDir := t.TempDir()
	srv := NewServer(ctrl, journal, metrics, modelDir)
	return &testEnv{ctrl: ctrl, journal: journal, session: session, modelDir: modelDir, handler: srv.ServeMux()}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestShowState(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[map[string]any](t, rec)
	assert.Equal(t, "ready", got["state"])
	assert.Equal(t, "gpu", got["delegate"])
	assert.Equal(t, false, got["has_fallen_back"])
	assert.Equal(t, float64(1), got["active_tracks"])
	assert.Equal(t, float64(1), got["last_seq"])
}

func TestDetectionsAndTracks(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/detections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[pipeline.Snapshot](t, rec)
	require.Len(t, snap.Detections, 1)
	assert.Equal(t, "t1", snap.Detections[0].ID)
	assert.Equal(t, "cat", snap.Detections[0].Label)
	assert.InDelta(t, 10, snap.Detections[0].X, 1e-9)
	assert.Equal(t, 1, snap.Stats.TotalDetections)

	rec = env.do(t, http.MethodGet, "/api/tracks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tracks := decode[[]vision.Track](t, rec)
	require.Len(t, tracks, 1)
	assert.Equal(t, int64(1), tracks[0].ID)

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodPost, "/api/tracks", "").Code)
}

func TestOptions(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/options", "")
	require.Equal(t, http.StatusOK, rec.Code)
	opts := decode[config.PipelineOptions](t, rec)
	assert.InDelta(t, 0.25, opts.GetConfidenceThreshold(), 1e-9)

	rec = env.do(t, http.MethodPatch, "/api/options", `{"confidence_threshold":0.6,"max_track_misses":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	opts = decode[config.PipelineOptions](t, rec)
	assert.InDelta(t, 0.6, opts.GetConfidenceThreshold(), 1e-9)
	assert.Equal(t, 2, env.ctrl.Options().GetMaxTrackMisses())

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid value", `{"delegate":"tpu"}`, http.StatusBadRequest},
		{"unknown field", `{"speed":1}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
		{"model outside dir", `{"model_path":"../x.onnx"}`, http.StatusForbidden},
		{"model wrong type", `{"model_path":"x.bin"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPatch, "/api/options", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec = env.do(t, http.MethodPatch, "/api/options", `{"model_path":"yolo.onnx"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, filepath.Join(env.modelDir, "yolo.onnx"), env.ctrl.Options().GetModelPath())

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/options", "").Code)
}

func TestOptions_DelegateSwitch(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodPatch, "/api/options", `{"delegate":"cpu"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	env.ctrl.WaitSwitches()
	assert.Equal(t, vision.DelegateCPU, env.ctrl.Delegate())
}

func TestEventsAndSessions(t *testing.T) {
	env := setupTestServer(t)
	track := vision.Track{ID: 1, Label: "cat", Confidence: 0.8, Hits: 1, Box: vision.Box{X: 10, Y: 10, Width: 20, Height: 20}}
	require.NoError(t, env.journal.RecordTrackEvents(env.session.ID, 1, []vision.TrackEvent{{Kind: vision.TrackEntered, Track: track}}))
	require.NoError(t, env.journal.RecordTrackEvents(env.session.ID, 9, []vision.TrackEvent{{Kind: vision.TrackExited, Track: track}}))
	require.NoError(t, env.journal.RecordFrameStats(env.session.ID, 1, vision.DelegateGPU, vision.InferenceStats{TimeMs: 12, FPS: 83, TotalDetections: 1}))

	rec := env.do(t, http.MethodGet, "/api/events?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]db.EventRecord](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "exited", events[0].Kind)

	rec = env.do(t, http.MethodGet, "/api/events?session="+env.session.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]db.EventRecord](t, rec), 2)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/events?limit=-1", "").Code)

	rec = env.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decode[[]db.Session](t, rec)
	require.Len(t, sessions, 1)
	assert.Equal(t, env.session.ID, sessions[0].ID)

	rec = env.do(t, http.MethodGet, "/api/sessions/"+env.session.ID+"/latency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lat := decode[db.LatencySummary](t, rec)
	assert.Equal(t, 1, lat.Frames)
	assert.InDelta(t, 12, lat.MeanMs, 1e-9)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/nope/latency", "").Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/"+env.session.ID+"/chart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Inference latency")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/nope/chart", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/sessions/"+env.session.ID+"/chart?frames=x", "").Code)
}

func TestJournalDisabled(t *testing.T) {
	env := setupTestServer(t)
	h := NewServer(env.ctrl, nil, nil, "").ServeMux()
	for _, path := range []string{"/api/events", "/api/sessions", "/api/sessions/x/latency", "/api/sessions/x/chart", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/options", strings.NewReader(`{"model_path":"m.onnx"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStopPipeline(t *testing.T) {
	env := setupTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/api/pipeline/stop", "").Code)

	rec := env.do(t, http.MethodPost, "/api/pipeline/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, rec)["state"])
}

func TestVersionAndMetrics(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["version"])

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sightline_frames_processed_total 1")
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	old := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) { lines = append(lines, format) })
	t.Cleanup(func() { monitoring.Logf = old })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, lines, 1)
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
}
