// Package frameclock turns source media time into strictly increasing
// timestamps for stateful video-mode inference backends.
package frameclock

import "math"

const (
	// DefaultStepMs is the nominal one-frame increment used when the source
	// jumps backwards or the backend rejects a timestamp.
	DefaultStepMs = 33.0
	// DefaultToleranceMs is how far the source may step back before it is
	// treated as a reset rather than jitter.
	DefaultToleranceMs = 1.0
)

// Clock produces monotonic millisecond timestamps. The offset only grows,
// and only on backward jumps or explicit Bump calls. The zero value uses
// DefaultStepMs and a zero tolerance. Not safe for concurrent use; the
// pipeline serialises frame submission.
type Clock struct {
	StepMs      float64
	ToleranceMs float64

	offset        float64
	lastMonotonic float64
	lastRaw       float64
	hasMonotonic  bool
	hasRaw        bool

	lastMillis int64
	hasMillis  bool
}

// New returns a Clock using the default step and tolerance.
func New() *Clock {
	return &Clock{StepMs: DefaultStepMs, ToleranceMs: DefaultToleranceMs}
}

// Next returns the timestamp for a frame whose source time is rawMs.
// Every returned value is strictly greater than all previous ones.
func (c *Clock) Next(rawMs float64) float64 {
	if c.hasRaw && c.hasMonotonic && rawMs < c.lastRaw-c.tolerance() {
		target := c.lastMonotonic + c.step()
		if delta := target - (rawMs + c.offset); delta > 0 {
			c.offset += delta
		}
	}

	candidate := rawMs + c.offset
	if c.hasMonotonic && candidate <= c.lastMonotonic {
		candidate = c.lastMonotonic + 1
	}

	c.lastMonotonic = candidate
	c.hasMonotonic = true
	c.lastRaw = rawMs
	c.hasRaw = true
	return candidate
}

// NextMillis is Next rounded up to whole milliseconds for backends that take
// integer timestamps. Sub-millisecond steps that would collide after
// rounding are pushed one millisecond forward.
func (c *Clock) NextMillis(rawMs float64) int64 {
	ms := int64(math.Ceil(c.Next(rawMs)))
	if c.hasMillis && ms <= c.lastMillis {
		ms = c.lastMillis + 1
	}
	c.lastMillis = ms
	c.hasMillis = true
	return ms
}

// Bump advances the offset by one nominal step. Called when the backend
// reports a non-monotonic timestamp for a frame that is then dropped.
func (c *Clock) Bump() {
	c.offset += c.step()
}

func (c *Clock) step() float64 {
	if c.StepMs <= 0 {
		return DefaultStepMs
	}
	return c.StepMs
}

func (c *Clock) tolerance() float64 {
	if c.ToleranceMs < 0 {
		return DefaultToleranceMs
	}
	return c.ToleranceMs
}

// Offset returns the accumulated compensation in milliseconds.
func (c *Clock) Offset() float64 { return c.offset }

// Last returns the most recent timestamp and whether one has been issued.
func (c *Clock) Last() (float64, bool) { return c.lastMonotonic, c.hasMonotonic }
