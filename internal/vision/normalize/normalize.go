// Package normalize maps raw detector output into percentage-space
// detections and applies the live confidence threshold.
package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/sightline/internal/vision"
)

// DefaultLabel is used when the top category carries no name.
const DefaultLabel = "object"

// DefaultAliases maps Pascal VOC style class names onto the COCO names used
// everywhere else in the pipeline. Keys are lower case.
func DefaultAliases() map[string]string {
	return map[string]string{
		"motorbike":   "motorcycle",
		"aeroplane":   "airplane",
		"sofa":        "couch",
		"tvmonitor":   "tv",
		"diningtable": "dining table",
		"pottedplant": "potted plant",
		"pedestrian":  "person",
	}
}

// Normalizer converts RawDetections to Detections. The zero value has no
// aliases. Not safe for concurrent use.
type Normalizer struct {
	aliases map[string]string
	calls   uint64
}

// New returns a Normalizer resolving labels through aliases. A nil map
// disables aliasing.
func New(aliases map[string]string) *Normalizer {
	n := &Normalizer{}
	n.SetAliases(aliases)
	return n
}

// SetAliases replaces the alias table. Keys are matched case-insensitively.
func (n *Normalizer) SetAliases(aliases map[string]string) {
	n.aliases = make(map[string]string, len(aliases))
	for k, v := range aliases {
		n.aliases[strings.ToLower(k)] = v
	}
}

// Label resolves a raw class name through the alias table. Unknown names
// are returned unchanged.
func (n *Normalizer) Label(raw string) string {
	if raw == "" {
		raw = DefaultLabel
	}
	if alias, ok := n.aliases[strings.ToLower(raw)]; ok {
		return alias
	}
	return raw
}

// Normalize maps raw into percentage space for a frameW×frameH frame and
// keeps detections whose confidence reaches threshold (0..1). The threshold
// is evaluated on every call so changes apply to the very next frame.
func (n *Normalizer) Normalize(raw []vision.RawDetection, frameW, frameH int, threshold float64) []vision.Detection {
	n.calls++
	if frameW <= 0 || frameH <= 0 {
		return nil
	}
	minConfidence := int(math.Round(threshold * 100))

	w, h := float64(frameW), float64(frameH)
	out := make([]vision.Detection, 0, len(raw))
	for i, r := range raw {
		if r.Box == nil || len(r.Categories) == 0 {
			continue
		}
		top := r.Categories[0]
		confidence := int(math.Round(top.Score * 100))
		if confidence < minConfidence {
			continue
		}

		out = append(out, vision.Detection{
			ID:         fmt.Sprintf("d%d_%d", n.calls, i),
			Label:      n.Label(top.Name),
			ClassID:    top.Index,
			Confidence: confidence,
			X:          clampPct(r.Box.OriginX / w * 100),
			Y:          clampPct(r.Box.OriginY / h * 100),
			Width:      clampPct(r.Box.Width / w * 100),
			Height:     clampPct(r.Box.Height / h * 100),
		})
	}
	return out
}

func clampPct(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
