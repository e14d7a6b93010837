package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sightline/internal/config"
	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/timeutil"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/fake"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
)

type sliceSource struct {
	frames []vision.Frame
	err    error
}

func (s *sliceSource) Next(context.Context) (vision.Frame, error) {
	if len(s.frames) == 0 {
		if s.err != nil {
			return vision.Frame{}, s.err
		}
		return vision.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

type recordingSink struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingSink) SubmitFrame(_ context.Context, f vision.Frame) {
	r.mu.Lock()
	r.seqs = append(r.seqs, f.Seq)
	r.mu.Unlock()
}

func (r *recordingSink) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func runAsync(ctx context.Context, clock *timeutil.MockClock, src *sliceSource, sink frameSink) <-chan error {
	done := make(chan error, 1)
	go func() { done <- runFrames(ctx, clock, src, sink, 100*time.Millisecond) }()
	return done
}

func waitDone(t *testing.T, clock *timeutil.MockClock, done <-chan error) error {
	t.Helper()
	var err error
	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	return err
}

func TestRunFrames_StopsAtEOF(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := &sliceSource{frames: []vision.Frame{{Seq: 1}, {Seq: 2}, {Seq: 3}}}
	sink := &recordingSink{}

	err := waitDone(t, clock, runAsync(context.Background(), clock, src, sink))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, sink.got())
}

func TestRunFrames_SourceError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	boom := errors.New("decode failed")
	src := &sliceSource{frames: []vision.Frame{{Seq: 1}}, err: boom}
	sink := &recordingSink{}

	err := waitDone(t, clock, runAsync(context.Background(), clock, src, sink))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []uint64{1}, sink.got())
}

func TestRunFrames_Cancelled(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, clock, &sliceSource{}, &recordingSink{})
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runFrames did not return after cancel")
	}
}

func TestJournalRecorder(t *testing.T) {
	old := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = old })

	journal, err := db.NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	factory := fake.NewFactory().OnAll(fake.Returns(fake.Raw(64, 48, 128, 96, "dog", 0.9)))
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts := &config.PipelineOptions{WarmupDuration: config.String("0s")}
	ctrl := pipeline.New(opts, factory, pipeline.WithClock(clock))

	ctx := context.Background()
	require.NoError(t, ctrl.Initialize(ctx))
	require.NoError(t, ctrl.Warmup(ctx))

	rec, err := startJournal(ctrl, journal, opts)
	require.NoError(t, err)

	ctrl.SubmitFrame(ctx, vision.Frame{Width: 640, Height: 480, Seq: 5})
	ctrl.Destroy()
	rec.close()

	sessions, err := journal.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.session.ID, sessions[0].ID)
	assert.Equal(t, "gpu", sessions[0].Delegate)
	assert.NotNil(t, sessions[0].EndedAt)

	events, err := journal.RecentEvents(rec.session.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "entered", events[0].Kind)
	assert.Equal(t, "dog", events[0].Label)
	assert.Equal(t, uint64(5), events[0].FrameSeq)

	lat, err := journal.Latency(rec.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, lat.Frames)
	assert.Equal(t, 1, lat.Detections)
}
