package pipeline

import (
	"runtime/debug"

	"github.com/banshee-data/sightline/internal/vision"
)

// registry holds callbacks in subscription order. The Controller guards it
// with its own mutex; callbacks are invoked from a snapshot outside that
// lock.
type registry[F any] struct {
	nextID  uint64
	entries []registryEntry[F]
}

type registryEntry[F any] struct {
	id uint64
	fn F
}

func (r *registry[F]) add(fn F) uint64 {
	r.nextID++
	r.entries = append(r.entries, registryEntry[F]{id: r.nextID, fn: fn})
	return r.nextID
}

// remove is a no-op for ids that are already gone.
func (r *registry[F]) remove(id uint64) {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *registry[F]) snapshot() []F {
	out := make([]F, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

func (r *registry[F]) clear() {
	r.entries = nil
}

func (r *registry[F]) len() int { return len(r.entries) }

// safeCall runs fn, logging instead of propagating a panic so one faulty
// subscriber cannot stop the rest.
func safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Opsf("%s subscriber panicked: %v\n%s", kind, r, debug.Stack())
		}
	}()
	fn()
}

type subscribers struct {
	state     registry[func(State)]
	result    registry[func([]vision.Detection, vision.InferenceStats)]
	errs      registry[func(error)]
	events    registry[func(vision.TrackEventSummary)]
	lifecycle registry[func([]vision.TrackEvent)]
}

func (s *subscribers) clear() {
	s.state.clear()
	s.result.clear()
	s.errs.clear()
	s.events.clear()
	s.lifecycle.clear()
}

// OnStateChange registers fn for every state transition. The returned
// func unsubscribes and may be called any number of times.
func (c *Controller) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subs.state.add(fn)
	return func() {
		c.mu.Lock()
		c.subs.state.remove(id)
		c.mu.Unlock()
	}
}

// OnResult registers fn for each processed frame.
func (c *Controller) OnResult(fn func([]vision.Detection, vision.InferenceStats)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subs.result.add(fn)
	return func() {
		c.mu.Lock()
		c.subs.result.remove(id)
		c.mu.Unlock()
	}
}

// OnError registers fn for surfaced errors.
func (c *Controller) OnError(fn func(error)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subs.errs.add(fn)
	return func() {
		c.mu.Lock()
		c.subs.errs.remove(id)
		c.mu.Unlock()
	}
}

// OnTrackEvent registers fn for frames in which at least one track entered
// or exited.
func (c *Controller) OnTrackEvent(fn func(vision.TrackEventSummary)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subs.events.add(fn)
	return func() {
		c.mu.Lock()
		c.subs.events.remove(id)
		c.mu.Unlock()
	}
}

// OnTrackLifecycle registers fn for the per-track detail behind
// OnTrackEvent.
func (c *Controller) OnTrackLifecycle(fn func([]vision.TrackEvent)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.subs.lifecycle.add(fn)
	return func() {
		c.mu.Lock()
		c.subs.lifecycle.remove(id)
		c.mu.Unlock()
	}
}

// notices holds subscriber calls raised while opMu is held. flush runs
// them in order after the operation releases opMu.
type notices struct {
	calls []func()
}

func (n *notices) add(fn func()) { n.calls = append(n.calls, fn) }

func (n *notices) flush() {
	calls := n.calls
	n.calls = nil
	for _, fn := range calls {
		fn()
	}
}
