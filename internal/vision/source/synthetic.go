package source

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/sightline/internal/vision"
)

// Blank yields pixel-less frames of a fixed size. It drives detectors that
// do not read pixels, such as the demo detector, and wraps its media time
// every Period the way a looping video does.
type Blank struct {
	Width, Height int
	Interval      time.Duration
	Period        time.Duration // zero never wraps

	mu  sync.Mutex
	seq uint64
}

// Next implements Source.
func (b *Blank) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := time.Duration(b.seq) * b.Interval
	if b.Period > 0 {
		t %= b.Period
	}
	b.seq++
	return vision.Frame{Width: b.Width, Height: b.Height, MediaTime: t, Seq: b.seq}, nil
}
