package detector

import "time"

// circuitBreaker is worker-private state (spec.md §5: "The Detector
// Client's circuit-breaker fields are worker-private"), so it carries
// no mutex — the Detector Client is only ever called from the single
// worker goroutine that owns a given camera core.
type circuitBreaker struct {
	failureThreshold int
	openDuration     time.Duration

	consecutiveFailures int
	open                bool
	retryAt             time.Time
}

func newCircuitBreaker(failureThreshold int, openDuration time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// allow reports whether a call may proceed to the network right now.
// If the breaker is open but its retry deadline has passed, it closes
// the breaker (resetting the counter) and allows the call, per spec.md
// §4.1's Open-state transition.
func (b *circuitBreaker) allow(now time.Time) bool {
	if !b.open {
		return true
	}
	if now.Before(b.retryAt) {
		return false
	}
	b.open = false
	b.consecutiveFailures = 0
	return true
}

// recordSuccess resets the counter and closes the breaker.
func (b *circuitBreaker) recordSuccess() {
	b.consecutiveFailures = 0
	b.open = false
}

// recordFailure increments the counter and trips the breaker once the
// threshold is reached, per spec.md §4.1.
func (b *circuitBreaker) recordFailure(now time.Time) {
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.open = true
		b.retryAt = now.Add(b.openDuration)
	}
}

// state returns a human-readable snapshot for logging and metrics.
func (b *circuitBreaker) state() string {
	if b.open {
		return "open"
	}
	return "closed"
}
