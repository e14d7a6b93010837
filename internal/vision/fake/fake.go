// Package fake provides a scripted Detector for tests and for running the
// pipeline without a model (-dev).
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/backend"
)

// ErrClosed is returned by Detect after Close.
var ErrClosed = errors.New("detector closed")

// DetectFunc produces the result for one call. call counts from zero per
// detector handle.
type DetectFunc func(ctx context.Context, call int, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error)

// Returns is a DetectFunc that always yields raw.
func Returns(raw ...vision.RawDetection) DetectFunc {
	return func(context.Context, int, vision.Frame, int64) ([]vision.RawDetection, error) {
		return raw, nil
	}
}

// Fails is a DetectFunc that always yields err.
func Fails(err error) DetectFunc {
	return func(context.Context, int, vision.Frame, int64) ([]vision.RawDetection, error) {
		return nil, err
	}
}

// Sequence yields each fn in turn and repeats the last one.
func Sequence(fns ...DetectFunc) DetectFunc {
	return func(ctx context.Context, call int, frame vision.Frame, ts int64) ([]vision.RawDetection, error) {
		if len(fns) == 0 {
			return nil, nil
		}
		i := call
		if i >= len(fns) {
			i = len(fns) - 1
		}
		return fns[i](ctx, call, frame, ts)
	}
}

// Raw builds a single-category RawDetection in pixel space.
func Raw(x, y, w, h float64, name string, score float64) vision.RawDetection {
	return vision.RawDetection{
		Box:        &vision.PixelBox{OriginX: x, OriginY: y, Width: w, Height: h},
		Categories: []vision.Category{{Name: name, Score: score}},
	}
}

// Detector is a backend.Detector driven by a DetectFunc. It rejects
// non-increasing timestamps like a stateful video graph.
type Detector struct {
	delegate vision.Delegate
	fn       DetectFunc
	guard    backend.MonotonicGuard

	mu         sync.Mutex
	timestamps []int64
	warmups    int
	closed     bool
}

// Delegate returns the delegate this handle was created for.
func (d *Detector) Delegate() vision.Delegate { return d.delegate }

// Detect implements backend.Detector.
func (d *Detector) Detect(ctx context.Context, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	call := len(d.timestamps)
	d.timestamps = append(d.timestamps, timestampMs)
	d.mu.Unlock()

	if err := d.guard.Check(timestampMs); err != nil {
		return nil, err
	}
	if d.fn == nil {
		return nil, nil
	}
	return d.fn(ctx, call, frame, timestampMs)
}

// Warmup implements backend.Warmer.
func (d *Detector) Warmup(ctx context.Context) error {
	d.mu.Lock()
	d.warmups++
	d.mu.Unlock()
	return ctx.Err()
}

// Close implements backend.Detector.
func (d *Detector) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Timestamps returns every timestamp passed to Detect, accepted or not.
func (d *Detector) Timestamps() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int64, len(d.timestamps))
	copy(out, d.timestamps)
	return out
}

// Warmups returns how many times Warmup ran.
func (d *Detector) Warmups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.warmups
}

// Closed reports whether Close was called.
func (d *Detector) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Factory creates scripted detectors per delegate and remembers them.
type Factory struct {
	mu       sync.Mutex
	detect   map[vision.Delegate]DetectFunc
	failures map[vision.Delegate]error
	created  []*Detector
}

// NewFactory returns a Factory whose detectors return nothing until
// scripted with OnDetect.
func NewFactory() *Factory {
	return &Factory{
		detect:   make(map[vision.Delegate]DetectFunc),
		failures: make(map[vision.Delegate]error),
	}
}

// OnDetect scripts detectors created for delegate from now on.
func (f *Factory) OnDetect(delegate vision.Delegate, fn DetectFunc) *Factory {
	f.mu.Lock()
	f.detect[delegate] = fn
	f.mu.Unlock()
	return f
}

// OnAll scripts both delegates.
func (f *Factory) OnAll(fn DetectFunc) *Factory {
	return f.OnDetect(vision.DelegateGPU, fn).OnDetect(vision.DelegateCPU, fn)
}

// FailCreate makes Create fail for delegate. A nil err clears it.
func (f *Factory) FailCreate(delegate vision.Delegate, err error) *Factory {
	f.mu.Lock()
	if err == nil {
		delete(f.failures, delegate)
	} else {
		f.failures[delegate] = err
	}
	f.mu.Unlock()
	return f
}

// Create implements backend.Factory.
func (f *Factory) Create(ctx context.Context, delegate vision.Delegate) (backend.Detector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[delegate]; err != nil {
		return nil, err
	}
	d := &Detector{delegate: delegate, fn: f.detect[delegate]}
	f.created = append(f.created, d)
	return d, nil
}

// Created returns every detector handed out, oldest first.
func (f *Factory) Created() []*Detector {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Detector, len(f.created))
	copy(out, f.created)
	return out
}

// Last returns the most recently created detector, or nil.
func (f *Factory) Last() *Detector {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
