package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/httputil"
)

const (
	defaultChartFrames = 2000
	maxChartFrames     = 20000
)

// showLatencyChart renders inference time and detection count per frame
// for one session as an HTML line chart.
func (s *Server) showLatencyChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.NotFound(w, "journal disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "frames", defaultChartFrames, maxChartFrames)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	id := r.PathValue("id")
	frames, err := s.journal.FrameStats(id, limit)
	if errors.Is(err, db.ErrSessionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve frame stats: %v", err))
		return
	}

	var buf bytes.Buffer
	if err := latencyChart(id, frames).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func latencyChart(sessionID string, frames []db.FrameStat) *charts.Line {
	x := make([]string, 0, len(frames))
	latency := make([]opts.LineData, 0, len(frames))
	detections := make([]opts.LineData, 0, len(frames))
	for _, f := range frames {
		x = append(x, strconv.FormatUint(f.FrameSeq, 10))
		latency = append(latency, opts.LineData{Value: f.TimeMs, Name: f.Delegate})
		detections = append(detections, opts.LineData{Value: f.Detections})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Inference latency", Theme: "dark", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Inference latency", Subtitle: fmt.Sprintf("session=%s frames=%d", sessionID, len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(x).
		AddSeries("time_ms", latency).
		AddSeries("detections", detections).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}
