// Package ratelimit gates inference calls to a maximum frame rate.
package ratelimit

// DefaultMaxFPS applies when the caller passes a non-positive rate.
const DefaultMaxFPS = 12.0

// Limiter decides whether the current instant is a sampling instant.
// The first call always samples. Not safe for concurrent use.
type Limiter struct {
	lastSampleMs float64
	sampled      bool
	skipped      uint64
}

// ShouldSample reports whether a frame at nowMs should be processed under
// maxFPS. It records nowMs only when it returns true.
func (l *Limiter) ShouldSample(nowMs, maxFPS float64) bool {
	if maxFPS <= 0 {
		maxFPS = DefaultMaxFPS
	}
	minInterval := 1000 / maxFPS
	if l.sampled && nowMs-l.lastSampleMs < minInterval {
		l.skipped++
		return false
	}
	l.lastSampleMs = nowMs
	l.sampled = true
	return true
}

// Skipped returns how many calls were refused since the last Reset.
func (l *Limiter) Skipped() uint64 { return l.skipped }

// Reset forgets the last sample so the next call samples.
func (l *Limiter) Reset() {
	*l = Limiter{}
}
