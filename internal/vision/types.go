package vision

import (
	"image"
	"math"
	"time"
)

// Delegate names the execution backend a Detector runs on.
type Delegate string

const (
	DelegateGPU Delegate = "gpu" // Accelerated path
	DelegateCPU Delegate = "cpu" // Fallback path
)

// Valid reports whether d is one of the two supported delegates.
func (d Delegate) Valid() bool {
	return d == DelegateGPU || d == DelegateCPU
}

// Box is an axis-aligned rectangle with a top-left origin. Inside the
// pipeline all boxes are in percentage-of-frame units (0..100).
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height, or 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// IoU returns the intersection-over-union of a and b. A zero union yields 0.
func IoU(a, b Box) float64 {
	ix1 := math.Max(a.X, b.X)
	iy1 := math.Max(a.Y, b.Y)
	ix2 := math.Min(a.X+a.Width, b.X+b.Width)
	iy2 := math.Min(a.Y+a.Height, b.Y+b.Height)

	iw := math.Max(0, ix2-ix1)
	ih := math.Max(0, iy2-iy1)
	inter := iw * ih

	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single labelled box produced for one frame. Geometry is in
// percent of the frame dimensions; Confidence is an integer 0..100.
type Detection struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	ClassID    int     `json:"class_id"`
	Confidence int     `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Box returns the detection geometry.
func (d Detection) Box() Box {
	return Box{X: d.X, Y: d.Y, Width: d.Width, Height: d.Height}
}

// WithBox returns a copy of d carrying the geometry of b.
func (d Detection) WithBox(b Box) Detection {
	d.X, d.Y, d.Width, d.Height = b.X, b.Y, b.Width, b.Height
	return d
}

// Track is a persistent identity for one physical object across frames.
type Track struct {
	ID         int64   `json:"id"`
	Label      string  `json:"label"`
	ClassID    int     `json:"class_id"`
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Hits       int     `json:"hits"`   // Successful matches
	Misses     int     `json:"misses"` // Consecutive frames without a match
}

// InferenceStats describes one processed frame.
type InferenceStats struct {
	TimeMs          int `json:"time_ms"`
	FPS             int `json:"fps"`
	TotalDetections int `json:"total_detections"`
}

// NewInferenceStats derives stats from the measured inference duration.
func NewInferenceStats(inference time.Duration, total int) InferenceStats {
	ms := float64(inference) / float64(time.Millisecond)
	return InferenceStats{
		TimeMs:          int(math.Round(ms)),
		FPS:             int(math.Max(1, math.Round(1000/math.Max(1, ms)))),
		TotalDetections: total,
	}
}

// TrackEventSummary counts lifecycle transitions in the current frame.
type TrackEventSummary struct {
	Entered int `json:"entered"`
	Exited  int `json:"exited"`
}

// Any reports whether at least one transition happened.
func (s TrackEventSummary) Any() bool {
	return s.Entered > 0 || s.Exited > 0
}

// TrackEventKind is the lifecycle transition of a TrackEvent.
type TrackEventKind string

const (
	TrackEntered TrackEventKind = "entered"
	TrackExited  TrackEventKind = "exited"
)

// TrackEvent records one track entering or leaving the scene. Track holds
// the state at the moment of the transition.
type TrackEvent struct {
	Kind  TrackEventKind `json:"kind"`
	Track Track          `json:"track"`
}

// Frame is one video frame handed to the pipeline. Image may be nil for
// detectors that do not read pixels. MediaTime is the source-relative
// presentation time and may jump backwards on loop or seek.
type Frame struct {
	Image     image.Image
	Width     int
	Height    int
	MediaTime time.Duration
	Seq       uint64
}

// NewFrame wraps img, taking width and height from its bounds.
func NewFrame(img image.Image, mediaTime time.Duration, seq uint64) Frame {
	f := Frame{Image: img, MediaTime: mediaTime, Seq: seq}
	if img != nil {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	return f
}

// MediaTimeMs returns MediaTime in fractional milliseconds.
func (f Frame) MediaTimeMs() float64 {
	return float64(f.MediaTime) / float64(time.Millisecond)
}

// PixelBox is a detector box in source pixel coordinates.
type PixelBox struct {
	OriginX float64
	OriginY float64
	Width   float64
	Height  float64
}

// Category is one scored class hypothesis. Categories are ordered by
// descending score; the first is the top category.
type Category struct {
	Index int
	Name  string
	Score float64
}

// RawDetection is the unnormalised output of a Detector for one object.
// Either field may be missing, in which case the detection is dropped.
type RawDetection struct {
	Box        *PixelBox
	Categories []Category
}
