// Package pipeline drives frames through rate limiting, timestamp
// correction, inference, normalisation and tracking, and fans the results
// out to subscribers.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/sightline/internal/config"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/timeutil"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/backend"
	"github.com/banshee-data/sightline/internal/vision/frameclock"
	"github.com/banshee-data/sightline/internal/vision/normalize"
	"github.com/banshee-data/sightline/internal/vision/ratelimit"
	"github.com/banshee-data/sightline/internal/vision/tracking"
)

var logger = vision.Component("Pipeline")

// Snapshot is the most recent frame result.
type Snapshot struct {
	Detections []vision.Detection    `json:"detections"`
	Stats      vision.InferenceStats `json:"stats"`
	Seq        uint64                `json:"seq"`
	At         time.Time             `json:"at"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for rate limiting, inference
// timing and warm-up.
func WithClock(clock timeutil.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithMetrics instruments the controller.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithAliases sets the label alias table used when the options carry none.
func WithAliases(aliases map[string]string) Option {
	return func(c *Controller) { c.aliases = aliases }
}

// Controller owns one detector pipeline. Detector work (Initialize,
// Warmup, SubmitFrame, SwitchDelegate, Destroy) is serialised on opMu;
// state, options and subscribers sit behind mu and may be read from any
// goroutine. Notifications raised during an operation are queued and
// delivered in order once it has released opMu, so a subscriber may call
// any Controller method, including Destroy and Initialize.
type Controller struct {
	opMu       sync.Mutex
	frameClock *frameclock.Clock
	normalizer *normalize.Normalizer
	selector   *backend.Selector
	tracker    *tracking.Tracker

	mu             sync.Mutex
	state          State
	opts           *config.PipelineOptions
	limiter        ratelimit.Limiter
	pendingAliases map[string]string
	stopGen        uint64
	stateSeq       uint64
	deliveredSeq   uint64
	latest         Snapshot
	subs           subscribers

	clock   timeutil.Clock
	start   time.Time
	metrics *monitoring.Metrics
	aliases map[string]string

	switches sync.WaitGroup
}

// New builds a Controller in the Uninitialized state. A nil opts uses
// config.DefaultPipelineOptions.
func New(opts *config.PipelineOptions, factory backend.Factory, options ...Option) *Controller {
	c := &Controller{
		frameClock: frameclock.New(),
		selector:   backend.NewSelector(factory),
		opts:       config.DefaultPipelineOptions().Merge(opts),
		clock:      timeutil.RealClock{},
		aliases:    normalize.DefaultAliases(),
	}
	for _, o := range options {
		o(c)
	}
	c.start = c.clock.Now()

	aliases := c.aliases
	if c.opts.LabelAliases != nil {
		aliases = c.opts.LabelAliases
	}
	c.normalizer = normalize.New(aliases)
	c.tracker = tracking.New(trackerConfig(c.opts))
	c.metrics.SetState(Uninitialized.String(), StateNames())
	return c
}

func trackerConfig(o *config.PipelineOptions) tracking.Config {
	return tracking.Config{
		IoUThreshold:   o.GetIoUThreshold(),
		SmoothingAlpha: o.GetSmoothingAlpha(),
		MaxMisses:      o.GetMaxTrackMisses(),
		Assignment:     tracking.Assignment(o.GetAssignment()),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Options returns a copy of the effective options.
func (c *Controller) Options() *config.PipelineOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Clone()
}

// Tracks returns the live tracks ordered by id.
func (c *Controller) Tracks() []vision.Track { return c.tracker.Tracks() }

// Delegate returns the delegate of the live detector.
func (c *Controller) Delegate() vision.Delegate { return c.selector.Delegate() }

// HasFallenBack reports whether the automatic CPU fallback has been used.
func (c *Controller) HasFallenBack() bool { return c.selector.HasFallenBack() }

// Latest returns the last emitted result.
func (c *Controller) Latest() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.latest
	s.Detections = append([]vision.Detection(nil), s.Detections...)
	return s
}

// setStateLocked changes state and returns the subscribers to notify,
// or nil when nothing changed. The caller must hold mu.
func (c *Controller) setStateLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	c.stateSeq++
	c.metrics.SetState(s.String(), StateNames())
	return c.subs.state.snapshot()
}

// queueStateLocked changes state and queues the notification on n. A
// queued notification is dropped if a later state was already delivered
// by Stop or Destroy. The caller must hold mu.
func (c *Controller) queueStateLocked(n *notices, s State) {
	subs := c.setStateLocked(s)
	if len(subs) == 0 {
		return
	}
	seq := c.stateSeq
	n.add(func() {
		c.mu.Lock()
		stale := seq <= c.deliveredSeq
		if !stale {
			c.deliveredSeq = seq
		}
		c.mu.Unlock()
		if !stale {
			emitState(subs, s)
		}
	})
}

func emitState(subs []func(State), s State) {
	for _, fn := range subs {
		safeCall("state", func() { fn(s) })
	}
}

// transitionFrom moves from → to only if the controller is still in from.
func (c *Controller) transitionFrom(n *notices, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return
	}
	c.queueStateLocked(n, to)
}

// fail enters Error and queues err for the error subscribers.
func (c *Controller) fail(n *notices, err error) {
	logger.Opsf("error: %v", err)
	c.metrics.Error(errorKind(err))

	c.mu.Lock()
	c.queueStateLocked(n, Error)
	errSubs := c.subs.errs.snapshot()
	c.mu.Unlock()

	for _, fn := range errSubs {
		n.add(func() { safeCall("error", func() { fn(err) }) })
	}
}

func errorKind(err error) string {
	var (
		ie *backend.InitializationError
		re *backend.BackendRenderError
		fe *backend.InferenceError
	)
	switch {
	case errors.As(err, &ie):
		return "initialization"
	case errors.As(err, &re):
		return "render"
	case errors.As(err, &fe):
		return "inference"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// Initialize creates the detector for the preferred delegate. Allowed only
// from Uninitialized.
func (c *Controller) Initialize(ctx context.Context) error {
	n := &notices{}
	defer n.flush()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Uninitialized {
		err := invalidState("initialize", c.state)
		c.mu.Unlock()
		return err
	}
	delegate := c.opts.GetDelegate()
	c.queueStateLocked(n, Initializing)
	c.mu.Unlock()

	if err := c.selector.Create(ctx, delegate); err != nil {
		c.fail(n, err)
		return err
	}
	logger.Opsf("initialized with %s delegate", delegate)
	c.transitionFrom(n, Initializing, Ready)
	return nil
}

// Warmup runs the detector's warm path and then waits the configured
// warm-up duration. Allowed only from Ready.
func (c *Controller) Warmup(ctx context.Context) error {
	n := &notices{}
	defer n.flush()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Ready {
		err := invalidState("warm up", c.state)
		c.mu.Unlock()
		return err
	}
	wait := c.opts.GetWarmupDuration()
	c.queueStateLocked(n, WarmingUp)
	c.mu.Unlock()

	if err := c.selector.Warmup(ctx); err != nil {
		err = &backend.InferenceError{Delegate: c.selector.Delegate(), Err: err}
		c.fail(n, err)
		return err
	}
	if err := timeutil.SleepContext(ctx, c.clock, wait); err != nil {
		c.fail(n, err)
		return err
	}
	logger.Diagf("warm-up complete after %s", wait)
	c.transitionFrom(n, WarmingUp, Ready)
	return nil
}

// SubmitFrame processes frame if the pipeline is Ready or Running and the
// rate limiter allows it. Failures go to OnError subscribers; nothing is
// returned. Rejected timestamps advance the frame clock and drop the frame
// silently.
func (c *Controller) SubmitFrame(ctx context.Context, frame vision.Frame) {
	c.metrics.FrameSubmitted()

	c.mu.Lock()
	if !c.state.acceptsFrames() {
		c.mu.Unlock()
		c.metrics.FrameSkipped(monitoring.SkipState)
		return
	}
	if frame.Width <= 0 || frame.Height <= 0 {
		c.mu.Unlock()
		c.metrics.FrameSkipped(monitoring.SkipEmpty)
		return
	}
	nowMs := float64(c.clock.Since(c.start)) / float64(time.Millisecond)
	if !c.limiter.ShouldSample(nowMs, c.opts.GetMaxFPS()) {
		c.mu.Unlock()
		c.metrics.FrameSkipped(monitoring.SkipRate)
		return
	}
	c.mu.Unlock()

	n := &notices{}
	defer n.flush()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	// Re-check: a Destroy or Stop may have landed while waiting for opMu.
	c.mu.Lock()
	if !c.state.acceptsFrames() {
		c.mu.Unlock()
		c.metrics.FrameSkipped(monitoring.SkipState)
		return
	}
	gen := c.stopGen
	threshold := c.opts.GetConfidenceThreshold()
	if c.pendingAliases != nil {
		c.normalizer.SetAliases(c.pendingAliases)
		c.pendingAliases = nil
	}
	c.queueStateLocked(n, Running)
	c.mu.Unlock()

	ts := c.frameClock.NextMillis(frame.MediaTimeMs())
	fellBack := c.selector.HasFallenBack()
	t0 := c.clock.Now()
	raw, err := c.selector.RunInference(ctx, frame, ts)
	elapsed := c.clock.Since(t0)

	if !fellBack && c.selector.HasFallenBack() {
		c.metrics.Fallback()
		c.mu.Lock()
		c.opts.Delegate = config.String(string(vision.DelegateCPU))
		c.mu.Unlock()
	}

	if err != nil {
		if backend.IsTransient(err) {
			c.frameClock.Bump()
			c.metrics.FrameSkipped(monitoring.SkipTimestamp)
			logger.Diagf("timestamp %d rejected, advancing clock and dropping frame %d", ts, frame.Seq)
			c.transitionFrom(n, Running, Ready)
			return
		}
		c.fail(n, err)
		return
	}

	dets := c.normalizer.Normalize(raw, frame.Width, frame.Height, threshold)
	res := c.tracker.UpdateDetailed(dets)
	stats := vision.NewInferenceStats(elapsed, len(res.Outputs))

	c.mu.Lock()
	if c.stopGen != gen || c.state != Running {
		c.mu.Unlock()
		c.metrics.FrameSkipped(monitoring.SkipStopped)
		logger.Tracef("dropping result of frame %d after stop", frame.Seq)
		return
	}
	c.queueStateLocked(n, Ready)
	c.latest = Snapshot{Detections: res.Outputs, Stats: stats, Seq: frame.Seq, At: c.clock.Now()}
	resultSubs := c.subs.result.snapshot()
	eventSubs := c.subs.events.snapshot()
	lifecycleSubs := c.subs.lifecycle.snapshot()
	c.mu.Unlock()

	c.metrics.FrameProcessed(elapsed, len(res.Outputs))
	c.metrics.Tracks(res.Summary.Entered, res.Summary.Exited, c.tracker.Len())
	logger.Tracef("frame %d ts=%d detections=%d time=%dms", frame.Seq, ts, len(res.Outputs), stats.TimeMs)

	n.add(func() {
		for _, fn := range resultSubs {
			safeCall("result", func() { fn(res.Outputs, stats) })
		}
		if res.Summary.Any() {
			for _, fn := range eventSubs {
				safeCall("track event", func() { fn(res.Summary) })
			}
		}
		if len(res.Events) > 0 {
			for _, fn := range lifecycleSubs {
				safeCall("track lifecycle", func() { fn(res.Events) })
			}
		}
	})
}

// UpdateOptions merges partial into the effective options. Tracker and
// threshold changes apply to the next frame. A delegate change rebuilds the
// detector asynchronously; failures reach OnError subscribers.
func (c *Controller) UpdateOptions(partial *config.PipelineOptions) error {
	if partial == nil {
		return nil
	}
	if err := partial.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.opts = c.opts.Merge(partial)
	cfg := trackerConfig(c.opts)
	if partial.LabelAliases != nil {
		c.pendingAliases = c.opts.LabelAliases
	}
	c.mu.Unlock()

	c.tracker.UpdateConfig(func(tc *tracking.Config) { *tc = cfg })

	if partial.Delegate != nil {
		c.switches.Add(1)
		go func() {
			defer c.switches.Done()
			// Errors reach OnError subscribers.
			_ = c.applyDelegate(context.Background())
		}()
	}
	return nil
}

// applyDelegate brings the detector in line with the delegate option as it
// stands once opMu is held, so the last UpdateOptions wins over switches
// queued before it.
func (c *Controller) applyDelegate(ctx context.Context) error {
	n := &notices{}
	defer n.flush()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	want := c.opts.GetDelegate()
	c.mu.Unlock()
	if want == c.selector.Delegate() && c.selector.Ready() {
		return nil
	}
	return c.switchLocked(ctx, n, want)
}

// SwitchDelegate replaces the detector with one for delegate, waiting for
// any in-flight frame. An explicit switch re-arms the automatic fallback.
// Before Initialize it only records the preference.
func (c *Controller) SwitchDelegate(ctx context.Context, delegate vision.Delegate) error {
	n := &notices{}
	defer n.flush()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.opts.Delegate = config.String(string(delegate))
	c.mu.Unlock()
	return c.switchLocked(ctx, n, delegate)
}

// switchLocked rebuilds the detector for delegate. The caller must hold
// opMu.
func (c *Controller) switchLocked(ctx context.Context, n *notices, delegate vision.Delegate) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == Uninitialized || st == Initializing {
		return nil
	}

	if err := c.selector.SwitchDelegate(ctx, delegate); err != nil {
		c.fail(n, err)
		return err
	}
	c.metrics.DelegateSwitched(string(delegate))
	return nil
}

// WaitSwitches blocks until delegate switches started by UpdateOptions
// have finished.
func (c *Controller) WaitSwitches() {
	c.switches.Wait()
}

// Stop returns a Running (or failed but still usable) pipeline to Ready.
// A frame still in flight completes but its result is discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopGen++
	var subs []func(State)
	if c.state == Running || (c.state == Error && c.selector.Ready()) {
		subs = c.setStateLocked(Ready)
		c.deliveredSeq = c.stateSeq
	}
	c.mu.Unlock()
	emitState(subs, Ready)
}

// Destroy closes the detector, drops all tracks, notifies Uninitialized and
// then removes every subscriber. The Controller may be initialised again.
func (c *Controller) Destroy() {
	c.mu.Lock()
	c.stopGen++
	c.mu.Unlock()

	c.opMu.Lock()
	if err := c.selector.Close(); err != nil {
		logger.Diagf("%v", err)
	}
	c.selector.ResetFallback()
	c.tracker.Reset()
	c.opMu.Unlock()

	c.mu.Lock()
	c.limiter.Reset()
	c.latest = Snapshot{}
	subs := c.setStateLocked(Uninitialized)
	c.deliveredSeq = c.stateSeq
	c.mu.Unlock()
	emitState(subs, Uninitialized)

	c.mu.Lock()
	c.subs.clear()
	c.mu.Unlock()
	logger.Opsf("destroyed")
}
