package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	framesSubmitted prometheus.Counter
	framesProcessed prometheus.Counter
	framesSkipped   *prometheus.CounterVec
	errors          *prometheus.CounterVec
	fallbacks       prometheus.Counter
	delegateSwitch  *prometheus.CounterVec
	tracksEntered   prometheus.Counter
	tracksExited    prometheus.Counter
	activeTracks    prometheus.Gauge
	detections      prometheus.Histogram
	inference       prometheus.Histogram
	state           *prometheus.GaugeVec
}

// Skip reasons recorded by FrameSkipped.
const (
	SkipState     = "state"
	SkipEmpty     = "empty"
	SkipRate      = "rate"
	SkipTimestamp = "timestamp"
	SkipStopped   = "stopped"
)

// NewMetrics creates the collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sightline_frames_submitted_total",
			Help: "Frames handed to the pipeline",
		}),
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sightline_frames_processed_total",
			Help: "Frames that produced a tracked result",
		}),
		framesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sightline_frames_skipped_total",
			Help: "Frames dropped before producing a result, by reason",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sightline_errors_total",
			Help: "Errors surfaced to subscribers, by kind",
		}, []string{"kind"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sightline_delegate_fallbacks_total",
			Help: "Automatic switches from the accelerated to the CPU delegate",
		}),
		delegateSwitch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sightline_delegate_switches_total",
			Help: "Explicit delegate switches, by target delegate",
		}, []string{"delegate"}),
		tracksEntered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sightline_tracks_entered_total",
			Help: "Tracks created",
		}),
		tracksExited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sightline_tracks_exited_total",
			Help: "Tracks evicted after exceeding the miss limit",
		}),
		activeTracks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sightline_active_tracks",
			Help: "Tracks currently alive",
		}),
		detections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sightline_detections_per_frame",
			Help:    "Tracked detections emitted per processed frame",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sightline_inference_seconds",
			Help:    "Wall time of detector inference per frame",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sightline_pipeline_state",
			Help: "1 for the current pipeline state, 0 otherwise",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.framesSubmitted,
		m.framesProcessed,
		m.framesSkipped,
		m.errors,
		m.fallbacks,
		m.delegateSwitch,
		m.tracksEntered,
		m.tracksExited,
		m.activeTracks,
		m.detections,
		m.inference,
		m.state,
	)
	return m
}

// FrameSubmitted counts a frame entering SubmitFrame.
func (m *Metrics) FrameSubmitted() {
	if m == nil {
		return
	}
	m.framesSubmitted.Inc()
}

// FrameSkipped counts a frame dropped for reason.
func (m *Metrics) FrameSkipped(reason string) {
	if m == nil {
		return
	}
	m.framesSkipped.WithLabelValues(reason).Inc()
}

// FrameProcessed records one completed frame.
func (m *Metrics) FrameProcessed(inference time.Duration, detections int) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.inference.Observe(inference.Seconds())
	m.detections.Observe(float64(detections))
}

// Error counts an error of kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Fallback counts an automatic delegate fallback.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// DelegateSwitched counts an explicit switch to delegate.
func (m *Metrics) DelegateSwitched(delegate string) {
	if m == nil {
		return
	}
	m.delegateSwitch.WithLabelValues(delegate).Inc()
}

// Tracks records lifecycle counts and the live track gauge.
func (m *Metrics) Tracks(entered, exited, active int) {
	if m == nil {
		return
	}
	m.tracksEntered.Add(float64(entered))
	m.tracksExited.Add(float64(exited))
	m.activeTracks.Set(float64(active))
}

// SetState marks state as current among all.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// Registry exposes the registry so other packages can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
