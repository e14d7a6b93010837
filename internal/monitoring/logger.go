// Package monitoring holds the process-wide logger used outside the vision
// packages and the Prometheus metrics of the pipeline.
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level logger for the binary, API and journal. It
// defaults to log.Printf; SetLogger and LogTo replace it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogTo sends Logf output to w with the given line prefix.
func LogTo(w io.Writer, prefix string) {
	if w == nil {
		SetLogger(nil)
		return
	}
	SetLogger(log.New(w, prefix, log.LstdFlags|log.Lmicroseconds).Printf)
}
