// Package api serves the pipeline's state, options, results and journal
// over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sightline/internal/config"
	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/httputil"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/security"
	"github.com/banshee-data/sightline/internal/version"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Pipeline is the part of *pipeline.Controller the API drives.
type Pipeline interface {
	State() pipeline.State
	Options() *config.PipelineOptions
	UpdateOptions(partial *config.PipelineOptions) error
	Latest() pipeline.Snapshot
	Tracks() []vision.Track
	Delegate() vision.Delegate
	HasFallenBack() bool
	Stop()
}

// Journal is the read side of the detection journal.
type Journal interface {
	RecentEvents(sessionID string, limit int) ([]db.EventRecord, error)
	Sessions(limit int) ([]db.Session, error)
	Latency(sessionID string) (db.LatencySummary, error)
	FrameStats(sessionID string, limit int) ([]db.FrameStat, error)
}

type Server struct {
	pipeline Pipeline
	journal  Journal
	metrics  *monitoring.Metrics
	modelDir string
}

// NewServer serves p. journal and metrics may be nil, in which case their
// routes answer 404. modelDir bounds model_path changes; empty disables
// them.
func NewServer(p Pipeline, journal Journal, metrics *monitoring.Metrics, modelDir string) *Server {
	return &Server{pipeline: p, journal: journal, metrics: metrics, modelDir: modelDir}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes. Callers may add more routes to it.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/options", s.handleOptions)
	mux.HandleFunc("/api/detections", s.showDetections)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/{id}/latency", s.showLatency)
	mux.HandleFunc("/api/sessions/{id}/chart", s.showLatencyChart)
	mux.HandleFunc("/api/pipeline/stop", s.stopPipeline)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	State         pipeline.State  `json:"state"`
	Delegate      vision.Delegate `json:"delegate"`
	HasFallenBack bool            `json:"has_fallen_back"`
	ActiveTracks  int             `json:"active_tracks"`
	LastSeq       uint64          `json:"last_seq"`
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, StateResponse{
		State:         s.pipeline.State(),
		Delegate:      s.pipeline.Delegate(),
		HasFallenBack: s.pipeline.HasFallenBack(),
		ActiveTracks:  len(s.pipeline.Tracks()),
		LastSeq:       s.pipeline.Latest().Seq,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.pipeline.Options())
	case http.MethodPatch:
		s.patchOptions(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) patchOptions(w http.ResponseWriter, r *http.Request) {
	var partial config.PipelineOptions
	if err := httputil.DecodeJSON(w, r, &partial); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if partial.ModelPath != nil {
		resolved, err := security.ValidateModelPath(*partial.ModelPath, s.modelDir)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusForbidden, err.Error())
			return
		}
		partial.ModelPath = &resolved
	}
	if err := s.pipeline.UpdateOptions(&partial); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	monitoring.Logf("[API] options updated")
	httputil.WriteJSONOK(w, s.pipeline.Options())
}

func (s *Server) showDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.pipeline.Latest()
	if snap.Detections == nil {
		snap.Detections = []vision.Detection{}
	}
	httputil.WriteJSONOK(w, snap)
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tracks := s.pipeline.Tracks()
	if tracks == nil {
		tracks = []vision.Track{}
	}
	httputil.WriteJSONOK(w, tracks)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.journal.RecentEvents(r.URL.Query().Get("session"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []db.EventRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 20, maxEventLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.journal.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	sum, err := s.journal.Latency(r.PathValue("id"))
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to summarise latency: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sum)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.pipeline.Stop()
	httputil.WriteJSONOK(w, map[string]pipeline.State{"state": s.pipeline.State()})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Info())
}
