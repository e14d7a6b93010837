package backend

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/banshee-data/sightline/internal/vision"
)

// Sentinel causes a Detector may wrap to classify its failure without
// relying on message text.
var (
	ErrTimestampMismatch = errors.New("packet timestamp mismatch: timestamp is not monotonically increasing")
	ErrRenderFailure     = errors.New("render failure")
)

// ErrorKind is the classification of a detector failure.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindTimestamp
	KindRender
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimestamp:
		return "timestamp"
	case KindRender:
		return "render"
	default:
		return "other"
	}
}

var (
	timestampPattern = regexp.MustCompile(`(?i)packet timestamp mismatch|timestamp is not monotonically increasing`)
	renderPattern    = regexp.MustCompile(`(?i)teximage2d|cross-origin|cuda (error|failure)`)
)

// Classify inspects err and its message. Nil errors are KindOther.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	switch {
	case errors.Is(err, ErrTimestampMismatch):
		return KindTimestamp
	case errors.Is(err, ErrRenderFailure):
		return KindRender
	}
	msg := err.Error()
	switch {
	case timestampPattern.MatchString(msg):
		return KindTimestamp
	case renderPattern.MatchString(msg):
		return KindRender
	}
	return KindOther
}

// InitializationError reports that a detector could not be created.
type InitializationError struct {
	Delegate vision.Delegate
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize %s detector: %v", e.Delegate, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TransientTimestampError means the detector rejected a timestamp. The
// frame should be dropped and the clock advanced; nothing is surfaced.
type TransientTimestampError struct {
	TimestampMs int64
	Err         error
}

func (e *TransientTimestampError) Error() string {
	return fmt.Sprintf("timestamp %d rejected: %v", e.TimestampMs, e.Err)
}

func (e *TransientTimestampError) Unwrap() error { return e.Err }

// BackendRenderError is a render failure that could not be recovered by
// falling back.
type BackendRenderError struct {
	Delegate vision.Delegate
	Err      error
}

func (e *BackendRenderError) Error() string {
	return fmt.Sprintf("render failure on %s delegate: %v", e.Delegate, e.Err)
}

func (e *BackendRenderError) Unwrap() error { return e.Err }

// InferenceError is any other detector failure.
type InferenceError struct {
	Delegate vision.Delegate
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed on %s delegate: %v", e.Delegate, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientTimestampError.
func IsTransient(err error) bool {
	var te *TransientTimestampError
	return errors.As(err, &te)
}
