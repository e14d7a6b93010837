// Package report renders journal frame stats as PNG plots.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sightline/internal/db"
)

// ErrNoFrames is returned when a session has no recorded frames.
var ErrNoFrames = errors.New("no frames recorded")

const histogramBins = 30

var delegateColors = map[string]color.Color{
	"gpu": color.RGBA{R: 38, G: 130, B: 142, A: 255},
	"cpu": color.RGBA{R: 220, G: 90, B: 40, A: 255},
}

// WriteLatencyPlots writes <prefix>_latency.png (inference time per frame,
// one line per delegate) and <prefix>_histogram.png into dir and returns
// the written paths.
func WriteLatencyPlots(dir, prefix string, frames []db.FrameStat) ([]string, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	series, err := latencyPlot(frames)
	if err != nil {
		return nil, err
	}
	hist, err := histogramPlot(frames)
	if err != nil {
		return nil, err
	}

	seriesFile := filepath.Join(dir, prefix+"_latency.png")
	if err := series.Save(14*vg.Inch, 6*vg.Inch, seriesFile); err != nil {
		return nil, fmt.Errorf("save latency plot: %w", err)
	}
	histFile := filepath.Join(dir, prefix+"_histogram.png")
	if err := hist.Save(8*vg.Inch, 6*vg.Inch, histFile); err != nil {
		return nil, fmt.Errorf("save histogram: %w", err)
	}
	return []string{seriesFile, histFile}, nil
}

func latencyPlot(frames []db.FrameStat) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Inference latency"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Time (ms)"
	p.Add(plotter.NewGrid())

	byDelegate := map[string]plotter.XYs{}
	for _, f := range frames {
		byDelegate[f.Delegate] = append(byDelegate[f.Delegate], plotter.XY{X: float64(f.FrameSeq), Y: float64(f.TimeMs)})
	}
	names := make([]string, 0, len(byDelegate))
	for name := range byDelegate {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		line, err := plotter.NewScatter(byDelegate[name])
		if err != nil {
			return nil, fmt.Errorf("%s series: %w", name, err)
		}
		line.GlyphStyle.Radius = vg.Points(1.5)
		if c, ok := delegateColors[name]; ok {
			line.GlyphStyle.Color = c
		}
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true
	return p, nil
}

func histogramPlot(frames []db.FrameStat) (*plot.Plot, error) {
	values := make(plotter.Values, len(frames))
	for i, f := range frames {
		values[i] = float64(f.TimeMs)
	}
	h, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	h.FillColor = color.RGBA{R: 38, G: 130, B: 142, A: 200}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Inference time distribution (%d frames)", len(frames))
	p.X.Label.Text = "Time (ms)"
	p.Y.Label.Text = "Frames"
	p.Add(h)
	return p, nil
}
