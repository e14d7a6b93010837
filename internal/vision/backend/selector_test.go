package backend_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/backend"
	"github.com/banshee-data/sightline/internal/vision/fake"
)

var (
	frame       = vision.Frame{Width: 100, Height: 100}
	person      = fake.Raw(10, 10, 20, 20, "person", 0.9)
	texImageErr = errors.New("WebGL: INVALID_VALUE: texImage2D: bad image data")
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.ErrorKind
	}{
		{"nil", nil, backend.KindOther},
		{"packet mismatch", errors.New("Packet timestamp mismatch on stream"), backend.KindTimestamp},
		{"not monotonic", errors.New("input timestamp is not monotonically increasing"), backend.KindTimestamp},
		{"sentinel timestamp", fmt.Errorf("graph: %w", backend.ErrTimestampMismatch), backend.KindTimestamp},
		{"teximage", texImageErr, backend.KindRender},
		{"cross origin", errors.New("Tainted canvases may not be loaded: cross-origin data"), backend.KindRender},
		{"cuda", errors.New("CUDA error: out of memory"), backend.KindRender},
		{"sentinel render", fmt.Errorf("session: %w", backend.ErrRenderFailure), backend.KindRender},
		{"other", errors.New("model file missing"), backend.KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backend.Classify(tt.err))
		})
	}
}

func TestCreate_WrapsFactoryFailure(t *testing.T) {
	boom := errors.New("no device")
	s := backend.NewSelector(fake.NewFactory().FailCreate(vision.DelegateGPU, boom))

	err := s.Create(context.Background(), vision.DelegateGPU)
	var ie *backend.InitializationError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, vision.DelegateGPU, ie.Delegate)
	assert.False(t, s.Ready())
}

func TestCreate_RejectsUnknownDelegate(t *testing.T) {
	s := backend.NewSelector(fake.NewFactory())
	var ie *backend.InitializationError
	require.ErrorAs(t, s.Create(context.Background(), "tpu"), &ie)
}

func TestRunInference_Success(t *testing.T) {
	f := fake.NewFactory().OnAll(fake.Returns(person))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	raw, err := s.RunInference(context.Background(), frame, 1)
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

func TestRunInference_NoDetector(t *testing.T) {
	s := backend.NewSelector(fake.NewFactory())
	_, err := s.RunInference(context.Background(), frame, 1)
	var ie *backend.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, backend.ErrNoDetector)
}

func TestRunInference_TimestampIsTransientWithoutFallback(t *testing.T) {
	f := fake.NewFactory().OnAll(fake.Returns(person))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	_, err := s.RunInference(context.Background(), frame, 5)
	require.NoError(t, err)
	_, err = s.RunInference(context.Background(), frame, 5)

	assert.True(t, backend.IsTransient(err), "got %v", err)
	assert.False(t, s.HasFallenBack())
	assert.Equal(t, vision.DelegateGPU, s.Delegate())
	assert.Len(t, f.Created(), 1)
}

func TestRunInference_RenderFailureFallsBackOnce(t *testing.T) {
	f := fake.NewFactory().
		OnDetect(vision.DelegateGPU, fake.Fails(texImageErr)).
		OnDetect(vision.DelegateCPU, fake.Returns(person))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	raw, err := s.RunInference(context.Background(), frame, 42)
	require.NoError(t, err)
	assert.Len(t, raw, 1)
	assert.True(t, s.HasFallenBack())
	assert.Equal(t, vision.DelegateCPU, s.Delegate())

	created := f.Created()
	require.Len(t, created, 2)
	assert.True(t, created[0].Closed(), "GPU detector should be closed")
	assert.Equal(t, []int64{42}, created[1].Timestamps(), "same frame retried on CPU")
}

func TestRunInference_SecondRenderFailureSurfaces(t *testing.T) {
	f := fake.NewFactory().OnAll(fake.Fails(texImageErr))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	// Fallback is attempted, retry on CPU fails too.
	_, err := s.RunInference(context.Background(), frame, 1)
	var re *backend.BackendRenderError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, vision.DelegateCPU, re.Delegate)

	// No second fallback.
	_, err = s.RunInference(context.Background(), frame, 2)
	require.ErrorAs(t, err, &re)
	assert.Len(t, f.Created(), 2)
}

func TestRunInference_RenderFailureOnCPUIsNotRetried(t *testing.T) {
	f := fake.NewFactory().OnAll(fake.Fails(texImageErr))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateCPU))

	_, err := s.RunInference(context.Background(), frame, 1)
	var re *backend.BackendRenderError
	require.ErrorAs(t, err, &re)
	assert.Len(t, f.Created(), 1)
}

func TestRunInference_TimestampOnRetryStaysTransient(t *testing.T) {
	f := fake.NewFactory().
		OnDetect(vision.DelegateGPU, fake.Fails(texImageErr)).
		OnDetect(vision.DelegateCPU, fake.Fails(backend.ErrTimestampMismatch))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	_, err := s.RunInference(context.Background(), frame, 1)
	assert.True(t, backend.IsTransient(err), "got %v", err)
	assert.True(t, s.HasFallenBack())
}

func TestRunInference_FallbackCreateFailure(t *testing.T) {
	f := fake.NewFactory().
		OnDetect(vision.DelegateGPU, fake.Fails(texImageErr)).
		FailCreate(vision.DelegateCPU, errors.New("cpu unavailable"))
	s := backend.NewSelector(f)
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	_, err := s.RunInference(context.Background(), frame, 1)
	var ie *backend.InitializationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, vision.DelegateCPU, ie.Delegate)
}

func TestRunInference_OtherErrors(t *testing.T) {
	boom := errors.New("tensor shape mismatch")
	s := backend.NewSelector(fake.NewFactory().OnAll(fake.Fails(boom)))
	require.NoError(t, s.Create(context.Background(), vision.DelegateGPU))

	_, err := s.RunInference(context.Background(), frame, 1)
	var ie *backend.InferenceError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.HasFallenBack())
}

func TestSwitchDelegate_RearmsFallback(t *testing.T) {
	f := fake.NewFactory().
		OnDetect(vision.DelegateGPU, fake.Fails(texImageErr)).
		OnDetect(vision.DelegateCPU, fake.Returns(person))
	s := backend.NewSelector(f)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, vision.DelegateGPU))

	_, err := s.RunInference(ctx, frame, 1)
	require.NoError(t, err)
	require.True(t, s.HasFallenBack())

	require.NoError(t, s.SwitchDelegate(ctx, vision.DelegateGPU))
	assert.False(t, s.HasFallenBack())
	assert.Equal(t, vision.DelegateGPU, s.Delegate())

	// Fallback is available again.
	_, err = s.RunInference(ctx, frame, 2)
	require.NoError(t, err)
	assert.Equal(t, vision.DelegateCPU, s.Delegate())

	require.NoError(t, s.SwitchDelegate(ctx, vision.DelegateCPU))
	assert.True(t, s.HasFallenBack(), "explicit CPU switch leaves fallback spent")
}

func TestSwitchDelegate_ClosesPrevious(t *testing.T) {
	f := fake.NewFactory()
	s := backend.NewSelector(f)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, vision.DelegateGPU))
	require.NoError(t, s.SwitchDelegate(ctx, vision.DelegateCPU))

	created := f.Created()
	require.Len(t, created, 2)
	assert.True(t, created[0].Closed())
	assert.False(t, created[1].Closed())
}

func TestWarmupAndClose(t *testing.T) {
	f := fake.NewFactory()
	s := backend.NewSelector(f)
	ctx := context.Background()
	assert.ErrorIs(t, s.Warmup(ctx), backend.ErrNoDetector)

	require.NoError(t, s.Create(ctx, vision.DelegateGPU))
	require.NoError(t, s.Warmup(ctx))
	assert.Equal(t, 1, f.Last().Warmups())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, f.Last().Closed())
	assert.False(t, s.Ready())
}

func TestResetFallback(t *testing.T) {
	f := fake.NewFactory()
	s := backend.NewSelector(f)
	require.NoError(t, s.SwitchDelegate(context.Background(), vision.DelegateCPU))
	require.True(t, s.HasFallenBack())
	s.ResetFallback()
	assert.False(t, s.HasFallenBack())
}

func TestMonotonicGuard(t *testing.T) {
	var g backend.MonotonicGuard
	require.NoError(t, g.Check(1))
	require.NoError(t, g.Check(2))
	err := g.Check(2)
	assert.Equal(t, backend.KindTimestamp, backend.Classify(err))
	assert.Contains(t, err.Error(), "timestamp is not monotonically increasing")
	g.Reset()
	assert.NoError(t, g.Check(0))
}
