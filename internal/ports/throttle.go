package ports

import (
	"sync"
	"time"
)

// ThrottledDiagnostics rate-limits repeated diagnostics to at most one
// line per interval, matching the detector client's logThrottleMs
// behavior (spec.md §4.1) generalized for reuse by any component that
// needs to avoid flooding the host's diagnostic sink (backpressure
// warnings, unsupported pixel format warnings).
type ThrottledDiagnostics struct {
	sink     DiagnosticSink
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottledDiagnostics builds a throttle keyed by an arbitrary
// caller-supplied key (e.g. "detector:failure", "queue:backpressure"),
// so independent diagnostic streams don't suppress each other.
func NewThrottledDiagnostics(sink DiagnosticSink, interval time.Duration) *ThrottledDiagnostics {
	if sink == nil {
		sink = NoopDiagnosticSink{}
	}
	return &ThrottledDiagnostics{
		sink:     sink,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Emit sends the diagnostic iff at least `interval` has elapsed since
// the last emission under the same key. now is passed explicitly so
// the frame timestamp (not wall-clock) can drive throttling in tests
// that replay detections without real-time pacing.
func (t *ThrottledDiagnostics) Emit(now time.Time, key string, level DiagnosticLevel, message string, fields map[string]any) {
	t.mu.Lock()
	prev, ok := t.last[key]
	if ok && now.Sub(prev) < t.interval {
		t.mu.Unlock()
		return
	}
	t.last[key] = now
	t.mu.Unlock()

	t.sink.Diagnostic(level, message, fields)
}
