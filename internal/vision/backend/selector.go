// Package backend owns the live Detector and decides when to fall back from
// the accelerated delegate to the CPU one.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/sightline/internal/vision"
)

var logger = vision.Component("Backend")

// ErrNoDetector is returned by RunInference before Create has succeeded.
var ErrNoDetector = errors.New("no detector")

// Detector runs object detection on one frame. timestampMs must strictly
// increase across calls on the same handle.
type Detector interface {
	Detect(ctx context.Context, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error)
	Close() error
}

// Warmer is implemented by detectors that benefit from a throwaway
// inference before the first real frame.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Factory builds a Detector for a delegate.
type Factory interface {
	Create(ctx context.Context, delegate vision.Delegate) (Detector, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, delegate vision.Delegate) (Detector, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, delegate vision.Delegate) (Detector, error) {
	return f(ctx, delegate)
}

// Selector holds exactly one live Detector. Callers serialize Create,
// SwitchDelegate, RunInference and Close; the accessors are safe from any
// goroutine.
type Selector struct {
	factory Factory

	mu            sync.RWMutex
	detector      Detector
	delegate      vision.Delegate
	hasFallenBack bool
}

// NewSelector returns a Selector that builds detectors with factory.
func NewSelector(factory Factory) *Selector {
	return &Selector{factory: factory, delegate: vision.DelegateGPU}
}

// Delegate returns the delegate of the live detector, or the last one
// requested.
func (s *Selector) Delegate() vision.Delegate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate
}

// HasFallenBack reports whether the one automatic GPU→CPU fallback has been
// used.
func (s *Selector) HasFallenBack() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasFallenBack
}

// ResetFallback re-arms the automatic fallback.
func (s *Selector) ResetFallback() {
	s.mu.Lock()
	s.hasFallenBack = false
	s.mu.Unlock()
}

// Ready reports whether a detector is live.
func (s *Selector) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector != nil
}

// Create builds the detector for delegate, replacing any existing one.
func (s *Selector) Create(ctx context.Context, delegate vision.Delegate) error {
	return s.replace(ctx, delegate)
}

// SwitchDelegate closes the current detector and builds one for delegate.
// An explicit switch re-arms the fallback unless the target is already the
// fallback delegate.
func (s *Selector) SwitchDelegate(ctx context.Context, delegate vision.Delegate) error {
	if err := s.replace(ctx, delegate); err != nil {
		return err
	}
	s.mu.Lock()
	s.hasFallenBack = delegate == vision.DelegateCPU
	s.mu.Unlock()
	logger.Opsf("switched to %s delegate", delegate)
	return nil
}

func (s *Selector) replace(ctx context.Context, delegate vision.Delegate) error {
	if !delegate.Valid() {
		return &InitializationError{Delegate: delegate, Err: fmt.Errorf("unknown delegate %q", delegate)}
	}

	s.mu.Lock()
	old := s.detector
	s.detector = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Diagf("close of previous detector failed: %v", err)
		}
	}

	det, err := s.factory.Create(ctx, delegate)
	if err != nil {
		return &InitializationError{Delegate: delegate, Err: err}
	}

	s.mu.Lock()
	s.detector = det
	s.delegate = delegate
	s.mu.Unlock()
	return nil
}

// RunInference runs the live detector on frame. Timestamp rejections come
// back as *TransientTimestampError. A render failure on the GPU delegate
// switches to CPU once and retries the same frame; any later render failure
// is a *BackendRenderError. Everything else is an *InferenceError.
func (s *Selector) RunInference(ctx context.Context, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error) {
	s.mu.RLock()
	det, delegate, fallenBack := s.detector, s.delegate, s.hasFallenBack
	s.mu.RUnlock()
	if det == nil {
		return nil, &InferenceError{Delegate: delegate, Err: ErrNoDetector}
	}

	raw, err := det.Detect(ctx, frame, timestampMs)
	if err == nil {
		return raw, nil
	}

	kind := Classify(err)
	if kind != KindRender || delegate != vision.DelegateGPU || fallenBack {
		return nil, wrap(kind, delegate, timestampMs, err)
	}

	logger.Opsf("render failure on %s, falling back to %s: %v", delegate, vision.DelegateCPU, err)
	s.mu.Lock()
	s.hasFallenBack = true
	s.mu.Unlock()
	if ferr := s.replace(ctx, vision.DelegateCPU); ferr != nil {
		return nil, ferr
	}

	s.mu.RLock()
	det = s.detector
	s.mu.RUnlock()
	raw, err = det.Detect(ctx, frame, timestampMs)
	if err != nil {
		return nil, wrap(Classify(err), vision.DelegateCPU, timestampMs, err)
	}
	return raw, nil
}

func wrap(kind ErrorKind, delegate vision.Delegate, timestampMs int64, err error) error {
	switch kind {
	case KindTimestamp:
		return &TransientTimestampError{TimestampMs: timestampMs, Err: err}
	case KindRender:
		return &BackendRenderError{Delegate: delegate, Err: err}
	default:
		return &InferenceError{Delegate: delegate, Err: err}
	}
}

// Warmup runs the detector's warm path if it has one.
func (s *Selector) Warmup(ctx context.Context) error {
	s.mu.RLock()
	det := s.detector
	s.mu.RUnlock()
	if det == nil {
		return ErrNoDetector
	}
	if w, ok := det.(Warmer); ok {
		return w.Warmup(ctx)
	}
	return nil
}

// Close releases the live detector. It is safe to call more than once.
func (s *Selector) Close() error {
	s.mu.Lock()
	det := s.detector
	s.detector = nil
	s.mu.Unlock()
	if det == nil {
		return nil
	}
	if err := det.Close(); err != nil {
		return fmt.Errorf("failed to close detector: %w", err)
	}
	return nil
}
