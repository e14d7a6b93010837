package onnx

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/sightline/internal/vision"
)

const (
	// DefaultInputSize is the square input edge of the stock YOLO exports.
	DefaultInputSize = 640
	// DefaultAnchors is the number of candidate boxes a 640 input yields.
	DefaultAnchors = 8400

	nmsIoU    = 0.45
	minScore  = 0.05
	padValue  = 114
	maxOutput = 300
)

// letterbox describes how a source frame was fitted into the square model
// input, so decoded boxes can be mapped back to source pixels.
type letterbox struct {
	scale  float64
	padX   float64
	padY   float64
	srcW   int
	srcH   int
	target int
}

func newLetterbox(srcW, srcH, target int) letterbox {
	lb := letterbox{srcW: srcW, srcH: srcH, target: target, scale: 1}
	if srcW <= 0 || srcH <= 0 {
		return lb
	}
	lb.scale = math.Min(float64(target)/float64(srcW), float64(target)/float64(srcH))
	lb.padX = (float64(target) - float64(srcW)*lb.scale) / 2
	lb.padY = (float64(target) - float64(srcH)*lb.scale) / 2
	return lb
}

// resized returns the scaled image size before padding.
func (lb letterbox) resized() (int, int) {
	w := int(math.Round(float64(lb.srcW) * lb.scale))
	h := int(math.Round(float64(lb.srcH) * lb.scale))
	return max(w, 1), max(h, 1)
}

// toSource maps a centre-format box in model input pixels to a clamped
// top-left box in source pixels.
func (lb letterbox) toSource(cx, cy, w, h float64) vision.PixelBox {
	x1 := (cx - w/2 - lb.padX) / lb.scale
	y1 := (cy - h/2 - lb.padY) / lb.scale
	x2 := (cx + w/2 - lb.padX) / lb.scale
	y2 := (cy + h/2 - lb.padY) / lb.scale

	x1 = clamp(x1, 0, float64(lb.srcW))
	y1 = clamp(y1, 0, float64(lb.srcH))
	x2 = clamp(x2, 0, float64(lb.srcW))
	y2 = clamp(y2, 0, float64(lb.srcH))
	return vision.PixelBox{OriginX: x1, OriginY: y1, Width: x2 - x1, Height: y2 - y1}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// fillInput letterboxes img and writes it into dst as planar RGB scaled to
// 0..1. dst must hold 3*target*target values.
func fillInput(img image.Image, lb letterbox, dst []float32) error {
	n := lb.target * lb.target
	if len(dst) < 3*n {
		return fmt.Errorf("input buffer holds %d values, need %d", len(dst), 3*n)
	}
	w, h := lb.resized()
	scaled := imaging.Resize(img, w, h, imaging.Linear)
	canvas := imaging.New(lb.target, lb.target, color.NRGBA{padValue, padValue, padValue, 255})
	canvas = imaging.Paste(canvas, scaled, image.Pt(int(lb.padX), int(lb.padY)))

	pix := canvas.Pix
	for i := 0; i < n; i++ {
		p := pix[i*4 : i*4+3 : i*4+3]
		dst[i] = float32(p[0]) / 255
		dst[n+i] = float32(p[1]) / 255
		dst[2*n+i] = float32(p[2]) / 255
	}
	return nil
}

type candidate struct {
	box   vision.PixelBox
	class int
	score float64
}

// decode reads a [1, 4+classes, anchors] tensor laid out channel-major.
// The first four channels are cx, cy, w, h in input pixels.
func decode(out []float32, classes, anchors int, lb letterbox) ([]candidate, error) {
	if want := (4 + classes) * anchors; len(out) != want {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(out), want)
	}
	var cands []candidate
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, float32(minScore)
		for c := 0; c < classes; c++ {
			if s := out[(4+c)*anchors+a]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}
		cx := float64(out[a])
		cy := float64(out[anchors+a])
		w := float64(out[2*anchors+a])
		h := float64(out[3*anchors+a])
		box := lb.toSource(cx, cy, w, h)
		if box.Width <= 0 || box.Height <= 0 {
			continue
		}
		cands = append(cands, candidate{box: box, class: best, score: float64(bestScore)})
	}
	return cands, nil
}

func pixelIoU(a, b vision.PixelBox) float64 {
	return vision.IoU(
		vision.Box{X: a.OriginX, Y: a.OriginY, Width: a.Width, Height: a.Height},
		vision.Box{X: b.OriginX, Y: b.OriginY, Width: b.Width, Height: b.Height},
	)
}

// nms keeps the highest scoring candidate of every overlapping group of the
// same class.
func nms(cands []candidate, iouThreshold float64) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	kept := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if len(kept) == maxOutput {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if !suppressed[j] && cands[j].class == cands[i].class &&
				pixelIoU(cands[i].box, cands[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func toRaw(cands []candidate, names []string) []vision.RawDetection {
	out := make([]vision.RawDetection, 0, len(cands))
	for _, c := range cands {
		box := c.box
		name := fmt.Sprintf("class_%d", c.class)
		if c.class < len(names) {
			name = names[c.class]
		}
		out = append(out, vision.RawDetection{
			Box:        &box,
			Categories: []vision.Category{{Index: c.class, Name: name, Score: c.score}},
		})
	}
	return out
}

// CocoNames are the 80 class names of COCO-trained YOLO exports, in
// output-channel order.
var CocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck",
	"boat", "traffic light", "fire hydrant", "stop sign", "parking meter", "bench",
	"bird", "cat", "dog", "horse", "sheep", "cow", "elephant", "bear", "zebra",
	"giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup",
	"fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch",
	"potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}
