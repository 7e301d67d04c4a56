// Package falls implements the Fall State Machine (spec.md §4.4): it
// turns a frame's resolved detections into START/FINISH fall events,
// guaranteeing at most one START per contiguous episode and exactly
// one FINISH per emitted START. State is worker-private, the same
// ownership model as the Track Registry it consumes.
package falls

import (
	"fmt"

	"github.com/studio-tech-hub/safeaging/internal/detector"
	"github.com/studio-tech-hub/safeaging/internal/ports"
)

type activeFall struct {
	lastSeenUs int64
}

// Machine holds one camera's active fall episodes.
type Machine struct {
	active        map[ports.UUID]*activeFall
	finishGraceUs int64
}

// New builds an empty Machine. finishGraceUs is the grace period a
// fallen track may go unseen before its episode is force-finished.
func New(finishGraceUs int64) *Machine {
	return &Machine{
		active:        make(map[ports.UUID]*activeFall),
		finishGraceUs: finishGraceUs,
	}
}

// Step advances the machine by one frame and returns any event-metadata
// items produced, per spec.md §4.4's transition table.
func (m *Machine) Step(dets []detector.Detection, nowUs int64) []ports.EventMetadataItem {
	seen := make(map[ports.UUID]bool, len(dets))
	falling := make(map[ports.UUID]bool, len(dets))
	for _, d := range dets {
		seen[d.TrackID] = true
		if d.FallDetected {
			falling[d.TrackID] = true
		}
	}

	var events []ports.EventMetadataItem

	for id := range falling {
		if _, exists := m.active[id]; !exists {
			m.active[id] = &activeFall{lastSeenUs: nowUs}
			events = append(events, startEvent(id))
		} else {
			m.active[id].lastSeenUs = nowUs
		}
	}

	for id, fall := range m.active {
		if falling[id] {
			continue
		}
		if seen[id] {
			events = append(events, finishEvent(id))
			delete(m.active, id)
			continue
		}
		if nowUs-fall.lastSeenUs >= m.finishGraceUs {
			events = append(events, finishEvent(id))
			delete(m.active, id)
		}
	}

	return events
}

func startEvent(id ports.UUID) ports.EventMetadataItem {
	return ports.EventMetadataItem{
		Type:        ports.EventTypeFall,
		Caption:     "Fall detected STARTED",
		Description: fmt.Sprintf("track %s", id.String()),
		IsActive:    true,
	}
}

func finishEvent(id ports.UUID) ports.EventMetadataItem {
	return ports.EventMetadataItem{
		Type:        ports.EventTypeFall,
		Caption:     "Fall detected FINISHED",
		Description: fmt.Sprintf("track %s", id.String()),
		IsActive:    false,
	}
}

// ActiveCount reports the number of currently active fall episodes,
// useful for diagnostics and tests asserting steady-state emptiness.
func (m *Machine) ActiveCount() int {
	return len(m.active)
}
