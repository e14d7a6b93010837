// Package onnx runs YOLO-family object detection models through ONNX
// Runtime. The gpu delegate uses the CUDA execution provider and the cpu
// delegate the default one.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/backend"
)

var (
	envMu   sync.Mutex
	envInit bool

	logger = vision.Component("ONNX")
)

// initEnvironment loads the shared library once per process.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envInit {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	envInit = true
	return nil
}

// Factory builds Detectors for one model file.
type Factory struct {
	ModelPath         string
	SharedLibraryPath string // empty uses the platform default
	InputName         string
	OutputName        string
	InputSize         int
	Anchors           int
	Names             []string
	Threads           int
}

func (f Factory) withDefaults() Factory {
	if f.InputName == "" {
		f.InputName = "images"
	}
	if f.OutputName == "" {
		f.OutputName = "output0"
	}
	if f.InputSize <= 0 {
		f.InputSize = DefaultInputSize
	}
	if f.Anchors <= 0 {
		f.Anchors = DefaultAnchors
	}
	if len(f.Names) == 0 {
		f.Names = CocoNames
	}
	if f.Threads <= 0 {
		f.Threads = runtime.NumCPU()
	}
	return f
}

// Create implements backend.Factory.
func (f Factory) Create(ctx context.Context, delegate vision.Delegate) (backend.Detector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.ModelPath == "" {
		return nil, errors.New("no model path configured")
	}
	f = f.withDefaults()
	if err := initEnvironment(f.SharedLibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(f.Threads); err != nil {
		return nil, fmt.Errorf("error setting thread count: %w", err)
	}
	if delegate == vision.DelegateGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("error enabling CUDA provider: %w", err)
		}
	}

	classes := len(f.Names)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(f.InputSize), int64(f.InputSize)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+classes), int64(f.Anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		f.ModelPath,
		[]string{f.InputName},
		[]string{f.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	logger.Diagf("session ready: model=%s delegate=%s input=%d classes=%d",
		f.ModelPath, delegate, f.InputSize, classes)
	return &Detector{
		delegate: delegate,
		size:     f.InputSize,
		anchors:  f.Anchors,
		names:    f.Names,
		session:  session,
		input:    input,
		output:   output,
	}, nil
}

// Detector owns one ONNX Runtime session and its tensors.
type Detector struct {
	delegate vision.Delegate
	size     int
	anchors  int
	names    []string

	mu      sync.Mutex
	guard   backend.MonotonicGuard
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Delegate returns the execution provider the session was built for.
func (d *Detector) Delegate() vision.Delegate { return d.delegate }

// Detect implements backend.Detector.
func (d *Detector) Detect(ctx context.Context, frame vision.Frame, timestampMs int64) ([]vision.RawDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Image == nil {
		return nil, errors.New("frame carries no image")
	}
	if err := d.guard.Check(timestampMs); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, errors.New("detector closed")
	}

	b := frame.Image.Bounds()
	lb := newLetterbox(b.Dx(), b.Dy(), d.size)
	if err := fillInput(frame.Image, lb, d.input.GetData()); err != nil {
		return nil, fmt.Errorf("prepare input buffer: %w", err)
	}
	if err := d.run(); err != nil {
		return nil, err
	}
	cands, err := decode(d.output.GetData(), len(d.names), d.anchors, lb)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	kept := nms(cands, nmsIoU)
	logger.Tracef("ts=%d candidates=%d kept=%d", timestampMs, len(cands), len(kept))
	return toRaw(kept, d.names), nil
}

// run executes the session. Failures on the CUDA provider are reported as
// render failures so the selector can fall back to the cpu delegate.
func (d *Detector) run() error {
	if err := d.session.Run(); err != nil {
		if d.delegate == vision.DelegateGPU {
			return fmt.Errorf("model inference: %w: %w", backend.ErrRenderFailure, err)
		}
		return fmt.Errorf("model inference: %w", err)
	}
	return nil
}

// Warmup runs one inference on a blank input.
func (d *Detector) Warmup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return errors.New("detector closed")
	}
	blank := image.NewNRGBA(image.Rect(0, 0, d.size, d.size))
	if err := fillInput(blank, newLetterbox(d.size, d.size, d.size), d.input.GetData()); err != nil {
		return err
	}
	return d.run()
}

// Close releases the session and tensors. Safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := d.session.Destroy()
	d.input.Destroy()
	d.output.Destroy()
	d.session, d.input, d.output = nil, nil, nil
	return err
}
