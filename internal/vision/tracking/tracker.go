package tracking

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/sightline/internal/vision"
)

var logger = vision.Component("Tracker")

// Confidence carried by a matched track decays by this factor per frame
// unless the detection is stronger.
const confidenceDecay = 0.7

// Config holds the tracker parameters. All fields may change between
// frames without dropping existing tracks.
type Config struct {
	IoUThreshold   float64    // Minimum IoU for a track/detection pair to match
	SmoothingAlpha float64    // Weight of the new detection in the box EMA
	MaxMisses      int        // Consecutive unmatched frames before a track exits
	Assignment     Assignment // Matching strategy within a label
}

// DefaultConfig returns the stock tracker parameters.
func DefaultConfig() Config {
	return Config{
		IoUThreshold:   0.5,
		SmoothingAlpha: 0.6,
		MaxMisses:      5,
		Assignment:     AssignmentGreedy,
	}
}

// Result is the outcome of one Update.
type Result struct {
	Outputs []vision.Detection
	Summary vision.TrackEventSummary
	Events  []vision.TrackEvent
}

// Tracker associates detections with tracks frame by frame. Track ids
// start at 1 and are never reused, including across Reset.
type Tracker struct {
	cfg    Config
	tracks []*vision.Track // creation order, so ascending id
	nextID int64

	mu sync.RWMutex
}

// New creates a Tracker with cfg.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nextID: 1}
}

// UpdateConfig applies fn to the configuration under the tracker lock.
func (t *Tracker) UpdateConfig(fn func(*Config)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.cfg)
}

// SetParams replaces the matching parameters. Existing tracks are kept.
func (t *Tracker) SetParams(iouThreshold, smoothingAlpha float64, maxMisses int) {
	t.UpdateConfig(func(c *Config) {
		c.IoUThreshold = iouThreshold
		c.SmoothingAlpha = smoothingAlpha
		c.MaxMisses = maxMisses
	})
}

// Config returns a copy of the current configuration.
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Tracks returns a snapshot of the live tracks ordered by id.
func (t *Tracker) Tracks() []vision.Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]vision.Track, len(t.tracks))
	for i, tr := range t.tracks {
		out[i] = *tr
	}
	return out
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tracks)
}

// Reset drops every track. The id counter keeps running.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
}

// Update folds one frame of detections into the tracks and returns the
// tracked detections plus this frame's enter/exit counts.
func (t *Tracker) Update(dets []vision.Detection) ([]vision.Detection, vision.TrackEventSummary) {
	r := t.UpdateDetailed(dets)
	return r.Outputs, r.Summary
}

// UpdateDetailed is Update with per-track lifecycle events.
func (t *Tracker) UpdateDetailed(dets []vision.Detection) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg := t.cfg
	assign := assignerFor(cfg.Assignment)
	var res Result

	for _, tr := range t.tracks {
		tr.Misses++
	}

	for _, label := range labelOrder(t.tracks, dets) {
		var rows []*vision.Track
		for _, tr := range t.tracks {
			if tr.Label == label {
				rows = append(rows, tr)
			}
		}
		var cols []int
		for j, d := range dets {
			if d.Label == label {
				cols = append(cols, j)
			}
		}
		if len(cols) == 0 {
			continue
		}

		matched := make([]bool, len(cols))
		if len(rows) > 0 {
			cost := make([][]float64, len(rows))
			for r, tr := range rows {
				cost[r] = make([]float64, len(cols))
				for c, j := range cols {
					iou := vision.IoU(tr.Box, dets[j].Box())
					if iou > 0 && iou >= cfg.IoUThreshold {
						cost[r][c] = 1 - iou
					} else {
						cost[r][c] = costSentinel
					}
				}
			}

			for r, c := range assign(cost) {
				if c < 0 || cost[r][c] >= maxMatchCost {
					continue
				}
				tr := rows[r]
				d := dets[cols[c]]
				tr.Box = smooth(tr.Box, d.Box(), cfg.SmoothingAlpha)
				tr.Confidence = math.Max(tr.Confidence*confidenceDecay, float64(d.Confidence))
				tr.Hits++
				tr.Misses = 0
				matched[c] = true

				out := d.WithBox(tr.Box)
				out.ID = trackOutputID(tr.ID)
				out.Confidence = int(math.Round(tr.Confidence))
				res.Outputs = append(res.Outputs, out)
			}
		}

		for c, j := range cols {
			if matched[c] {
				continue
			}
			d := dets[j]
			tr := &vision.Track{
				ID:         t.nextID,
				Label:      d.Label,
				ClassID:    d.ClassID,
				Box:        d.Box(),
				Confidence: float64(d.Confidence),
				Hits:       1,
			}
			t.nextID++
			t.tracks = append(t.tracks, tr)

			out := d
			out.ID = trackOutputID(tr.ID)
			res.Outputs = append(res.Outputs, out)
			res.Summary.Entered++
			res.Events = append(res.Events, vision.TrackEvent{Kind: vision.TrackEntered, Track: *tr})
		}
	}

	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.Misses > cfg.MaxMisses {
			res.Summary.Exited++
			res.Events = append(res.Events, vision.TrackEvent{Kind: vision.TrackExited, Track: *tr})
			continue
		}
		kept = append(kept, tr)
	}
	for i := len(kept); i < len(t.tracks); i++ {
		t.tracks[i] = nil
	}
	t.tracks = kept

	if res.Summary.Any() && logger.Enabled(vision.StreamTrace) {
		logger.Tracef("entered=%d exited=%d live=%d", res.Summary.Entered, res.Summary.Exited, len(t.tracks))
	}
	return res
}

// labelOrder lists labels by first appearance among tracks, then
// detections.
func labelOrder(tracks []*vision.Track, dets []vision.Detection) []string {
	seen := make(map[string]bool)
	var labels []string
	add := func(l string) {
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	for _, tr := range tracks {
		add(tr.Label)
	}
	for _, d := range dets {
		add(d.Label)
	}
	return labels
}

func smooth(prev, cur vision.Box, alpha float64) vision.Box {
	return vision.Box{
		X:      alpha*cur.X + (1-alpha)*prev.X,
		Y:      alpha*cur.Y + (1-alpha)*prev.Y,
		Width:  alpha*cur.Width + (1-alpha)*prev.Width,
		Height: alpha*cur.Height + (1-alpha)*prev.Height,
	}
}

func trackOutputID(id int64) string {
	return fmt.Sprintf("t%d", id)
}
