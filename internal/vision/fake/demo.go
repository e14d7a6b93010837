package fake

import (
	"context"
	"math"

	"github.com/banshee-data/sightline/internal/vision"
)

type demoActor struct {
	classID int
	name    string
	score   float64
	// Fractions of the frame.
	y, w, h float64
	// Seconds to cross the frame once.
	period float64
	phase  float64
}

var demoActors = []demoActor{
	{classID: 0, name: "person", score: 0.92, y: 0.15, w: 0.18, h: 0.32, period: 12, phase: 0},
	{classID: 2, name: "car", score: 0.87, y: 0.46, w: 0.26, h: 0.19, period: 6, phase: 0.3},
	{classID: 0, name: "person", score: 0.78, y: 0.39, w: 0.15, h: 0.28, period: 15, phase: 0.6},
	{classID: 1, name: "bicycle", score: 0.71, y: 0.62, w: 0.12, h: 0.2, period: 9, phase: 0.1},
}

// Demo returns a DetectFunc that moves a few labelled objects across the
// frame as a function of the detector timestamp. Each actor leaves the
// frame for part of its cycle so tracks enter and exit.
func Demo() DetectFunc {
	return func(_ context.Context, _ int, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error) {
		w, h := float64(frame.Width), float64(frame.Height)
		sec := float64(timestampMs) / 1000

		var out []vision.RawDetection
		for _, a := range demoActors {
			// Position runs from -0.25 to 1.25 so the actor is off-frame
			// at both ends of its cycle.
			t := math.Mod(sec/a.period+a.phase, 1)
			x := t*1.5 - 0.25
			if x+a.w <= 0 || x >= 1 {
				continue
			}
			wobble := 0.01 * math.Sin(sec*2*math.Pi/a.period*3)
			out = append(out, vision.RawDetection{
				Box: &vision.PixelBox{
					OriginX: x * w,
					OriginY: (a.y + wobble) * h,
					Width:   a.w * w,
					Height:  a.h * h,
				},
				Categories: []vision.Category{{Index: a.classID, Name: a.name, Score: a.score}},
			})
		}
		return out, nil
	}
}
