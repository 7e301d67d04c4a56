// Package detector implements the Detector Client (spec.md §4.1): it
// encodes a frame, POSTs it to the AI inference service, parses
// detections, enforces fail-fast timeouts, and runs a circuit breaker
// so a stalled AI service never blocks the worker indefinitely. The
// HTTP plumbing and JSON-decode-into-anonymous-struct style follow
// internal/detection.Client; the circuit breaker and pixel-to-unit-
// square normalization are new, grounded on spec.md §4.1 directly.
package detector

import "github.com/studio-tech-hub/safeaging/internal/ports"

// Detection is one accepted, normalized detection (spec.md §3). TrackID
// is left zero-value here; the Track Registry assigns it.
type Detection struct {
	Box          ports.Rect
	ClassLabel   string
	Confidence   float32
	FallDetected bool
	AITrackID    *int64
	TrackID      ports.UUID
}

// rawDetection is the wire shape of one AI-service response element
// (spec.md §4.1 response schema), decoded permissively: every key is
// optional, numeric defaults to 0, boolean defaults to false, and
// track_id may arrive as an integer, a float, or a numeric string.
type rawDetection struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Cls   string  `json:"cls"`
	Class string  `json:"class"`

	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`

	FallDetected bool `json:"fall_detected"`

	TrackID any `json:"track_id"`
}
