// Package tracking turns per-frame detections into persistent tracks.
//
// Responsibilities: per-label IoU association, box smoothing, confidence
// decay, and track lifecycle (enter on first unmatched detection, exit
// once misses exceed the limit).
// Key types: Tracker, Config, Result.
//
// Dependency rule: tracking depends on the vision data model only. It
// knows nothing about detectors, frame timing, or storage.
package tracking
