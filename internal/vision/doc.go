// Package vision owns the data model of the detection-and-tracking pipeline.
//
// Responsibilities: per-frame detections in percentage space, raw detector
// output in pixel space, tracks, per-frame statistics and lifecycle events,
// and the execution delegate vocabulary shared by the backend packages.
// Key types: Detection, RawDetection, Track, Frame, Delegate.
//
// Dependency rule: vision imports nothing from its sub-packages. Stages
// (frameclock, ratelimit, normalize, backend, tracking) depend on vision;
// pipeline composes them.
package vision
