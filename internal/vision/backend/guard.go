package backend

import (
	"fmt"
	"sync"
)

// MonotonicGuard rejects timestamps that do not strictly increase, the way
// stateful video graphs do. Detectors embed it so that fakes and real
// sessions fail with the same classified message.
type MonotonicGuard struct {
	mu   sync.Mutex
	last int64
	seen bool
}

// Check records ts if it is greater than the last accepted timestamp.
func (g *MonotonicGuard) Check(ts int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && ts <= g.last {
		return fmt.Errorf("%w: got %d after %d", ErrTimestampMismatch, ts, g.last)
	}
	g.last = ts
	g.seen = true
	return nil
}

// Reset forgets the last timestamp.
func (g *MonotonicGuard) Reset() {
	g.mu.Lock()
	g.seen = false
	g.last = 0
	g.mu.Unlock()
}
