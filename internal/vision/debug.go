package vision

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Stream is one of the three log streams.
type Stream int

const (
	StreamOps   Stream = iota // lifecycle, fallbacks, errors
	StreamDiag                // per-session diagnostics and tuning context
	StreamTrace               // per-frame detail
	numStreams
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	logMu   sync.RWMutex
	streams [numStreams]*log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	logMu.Lock()
	defer logMu.Unlock()
	for s, out := range [numStreams]io.Writer{w.Ops, w.Diag, w.Trace} {
		streams[s] = nil
		if out != nil {
			streams[s] = log.New(out, "[vision] ", log.LstdFlags|log.Lmicroseconds)
		}
	}
}

func streamLogger(s Stream) *log.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return streams[s]
}

// Logger writes to the shared streams, tagging each line with the
// component that produced it: "[vision] [Pipeline] destroyed".
type Logger struct {
	tag string
}

// Component returns the Logger for name.
func Component(name string) Logger {
	return Logger{tag: "[" + name + "] "}
}

func (l Logger) logf(s Stream, format string, args []any) {
	if out := streamLogger(s); out != nil {
		out.Print(l.tag + fmt.Sprintf(format, args...))
	}
}

// Opsf logs to the ops stream.
func (l Logger) Opsf(format string, args ...any) { l.logf(StreamOps, format, args) }

// Diagf logs to the diag stream.
func (l Logger) Diagf(format string, args ...any) { l.logf(StreamDiag, format, args) }

// Tracef logs to the trace stream.
func (l Logger) Tracef(format string, args ...any) { l.logf(StreamTrace, format, args) }

// Enabled reports whether s has a writer. Use it to skip building
// per-frame arguments nobody will read.
func (l Logger) Enabled(s Stream) bool { return streamLogger(s) != nil }
