// Package sampler implements the Frame Sampler and the bounded frame
// Queue (spec.md §4.2). Unlike the Track Registry or circuit breaker,
// the Queue is genuinely shared between the host's frame-ingress
// callback and the single worker goroutine, so it carries a mutex,
// following the same lock-guarded-slice shape as the teacher's
// internal/logging.RingBuffer. The FrameSampler is only called from
// the ingress side and carries no lock.
package sampler

import "github.com/studio-tech-hub/safeaging/internal/pixconv"

// FrameJob is one queued unit of work: a converted BGR frame plus the
// host timestamp it arrived with. Conversion happens at ingress time
// (spec.md §4.6), so the worker never touches raw pixel planes.
type FrameJob struct {
	TimestampUs int64
	Frame       pixconv.BGRMatrix
}

// FrameSampler rate-gates incoming frames to at most sampleFps frames
// per second, measured against each frame's host timestamp rather than
// wall-clock time, so replayed or synthetic feeds sample correctly.
type FrameSampler struct {
	minIntervalUs int64
	lastAcceptUs  int64
	hasAccepted   bool
}

// NewFrameSampler builds a sampler for the given rate. A non-positive
// fps disables rate-gating entirely: every frame is accepted, per
// spec.md §6's "0 or negative sampleFps passes every frame through".
func NewFrameSampler(fps float64) *FrameSampler {
	if fps <= 0 {
		return &FrameSampler{minIntervalUs: 0}
	}
	return &FrameSampler{minIntervalUs: int64(1_000_000 / fps)}
}

// Accept reports whether the frame at timestampUs should be processed.
// It is stateful: accepting a frame moves the gate forward. A
// non-positive timestamp always passes through and, like any other
// accepted frame, moves the gate to its timestamp — malformed
// timestamps are not the sampler's concern to validate.
func (s *FrameSampler) Accept(timestampUs int64) bool {
	if s.minIntervalUs <= 0 {
		return true
	}
	if timestampUs <= 0 || !s.hasAccepted || timestampUs-s.lastAcceptUs >= s.minIntervalUs {
		s.lastAcceptUs = timestampUs
		s.hasAccepted = true
		return true
	}
	return false
}

// Reset clears accumulated state, so the next frame is unconditionally
// accepted regardless of its timestamp relative to prior frames.
func (s *FrameSampler) Reset() {
	s.hasAccepted = false
	s.lastAcceptUs = 0
}
