package main

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/timeutil"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
	"github.com/banshee-data/sightline/internal/vision/source"
)

type frameSink interface {
	SubmitFrame(ctx context.Context, frame vision.Frame)
}

// runFrames pulls one frame from src per tick and hands it to sink. It
// returns nil on cancellation or when a non-looping source ends.
func runFrames(ctx context.Context, clock timeutil.Clock, src source.Source, sink frameSink, interval time.Duration) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			frame, err := src.Next(ctx)
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			sink.SubmitFrame(ctx, frame)
		}
	}
}

const journalQueue = 256

// journalRecorder copies frame stats and track lifecycle events into the
// journal on its own goroutine so sqlite latency never stalls a frame.
type journalRecorder struct {
	journal *db.DB
	session db.Session
	writes  chan func() error
	done    chan struct{}
	dropped atomic.Int64
	unsub   []func()
}

func startJournal(ctrl *pipeline.Controller, journal *db.DB, options any) (*journalRecorder, error) {
	session, err := journal.StartSession(ctrl.Delegate(), ctrl.Options().GetModelPath(), options)
	if err != nil {
		return nil, err
	}
	r := &journalRecorder{
		journal: journal,
		session: session,
		writes:  make(chan func() error, journalQueue),
		done:    make(chan struct{}),
	}
	go r.drain()

	r.unsub = append(r.unsub,
		ctrl.OnResult(func(_ []vision.Detection, stats vision.InferenceStats) {
			seq, delegate := ctrl.Latest().Seq, ctrl.Delegate()
			r.enqueue(func() error {
				return journal.RecordFrameStats(session.ID, seq, delegate, stats)
			})
		}),
		ctrl.OnTrackLifecycle(func(events []vision.TrackEvent) {
			seq := ctrl.Latest().Seq
			events = append([]vision.TrackEvent(nil), events...)
			r.enqueue(func() error {
				return journal.RecordTrackEvents(session.ID, seq, events)
			})
		}),
	)
	return r, nil
}

func (r *journalRecorder) enqueue(w func() error) {
	select {
	case r.writes <- w:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Logf("journal queue full, %d writes dropped", n)
		}
	}
}

func (r *journalRecorder) drain() {
	defer close(r.done)
	for w := range r.writes {
		if err := w(); err != nil {
			monitoring.Logf("journal write failed: %v", err)
		}
	}
}

// close unsubscribes, flushes queued writes and ends the session. The
// controller must no longer be emitting.
func (r *journalRecorder) close() {
	for _, u := range r.unsub {
		u()
	}
	close(r.writes)
	<-r.done
	if err := r.journal.EndSession(r.session.ID, time.Now()); err != nil {
		monitoring.Logf("failed to end journal session: %v", err)
	}
}
