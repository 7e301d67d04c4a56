// Package tracks implements the Track Registry (spec.md §4.3): it
// turns the Detector Client's per-frame detections into a temporally
// consistent identity per object, associating AI-supplied track ids
// directly and synthesizing IoU-based tracks when the service omits
// one. Every field is worker-private (spec.md §5), so unlike the
// teacher's TrackManager (plugins/nvr-spatial-tracking/track_manager.go)
// this carries no mutex at all — the map-cleanup shape (now.Sub(lastSeen)
// > ttl, delete) is lifted straight from its cleanupStaleTransitTracks.
package tracks

import (
	"github.com/studio-tech-hub/safeaging/internal/detector"
	"github.com/studio-tech-hub/safeaging/internal/ports"
)

const syntheticIoUThreshold = 0.3

type syntheticTrack struct {
	key        int64
	bbox       ports.Rect
	lastSeenUs int64
}

// Registry is one camera's worker-private track state.
type Registry struct {
	syntheticTracks      map[int64]*syntheticTrack
	nextSyntheticTrackID int64

	trackUUIDByKey   map[int64]ports.UUID
	trackLastSeenUs  map[int64]int64

	syntheticTrackTTLUs int64
	trackMapTTLUs       int64
}

// New builds an empty Registry. syntheticTrackTTLUs bounds how long a
// synthetic (IoU-associated) track stays eligible for association;
// trackMapTTLUs bounds how long a key→UUID mapping of any kind
// (synthetic or AI-supplied) survives without being refreshed.
func New(syntheticTrackTTLUs, trackMapTTLUs int64) *Registry {
	return &Registry{
		syntheticTracks:     make(map[int64]*syntheticTrack),
		trackUUIDByKey:      make(map[int64]ports.UUID),
		trackLastSeenUs:     make(map[int64]int64),
		syntheticTrackTTLUs: syntheticTrackTTLUs,
		trackMapTTLUs:       trackMapTTLUs,
	}
}

// Resolve assigns a stable TrackID to every detection in dets,
// mutating dets in place, per spec.md §4.3's algorithm.
func (r *Registry) Resolve(dets []detector.Detection, nowUs int64) {
	for i := range dets {
		key := r.resolveKey(&dets[i], nowUs)
		dets[i].TrackID = r.resolveUUID(key, nowUs)
	}
}

func (r *Registry) resolveKey(det *detector.Detection, nowUs int64) int64 {
	if det.AITrackID != nil {
		return *det.AITrackID
	}

	bestKey := int64(0)
	bestIoU := syntheticIoUThreshold
	found := false
	for key, st := range r.syntheticTracks {
		if nowUs-st.lastSeenUs > r.syntheticTrackTTLUs {
			continue
		}
		iou := det.Box.IoU(st.bbox)
		if iou > bestIoU {
			bestIoU = iou
			bestKey = key
			found = true
		}
	}

	var key int64
	if found {
		key = bestKey
	} else {
		r.nextSyntheticTrackID--
		key = r.nextSyntheticTrackID
	}

	r.syntheticTracks[key] = &syntheticTrack{key: key, bbox: det.Box, lastSeenUs: nowUs}
	return key
}

func (r *Registry) resolveUUID(key int64, nowUs int64) ports.UUID {
	id, ok := r.trackUUIDByKey[key]
	if !ok {
		id = ports.NewUUID()
		r.trackUUIDByKey[key] = id
	}
	r.trackLastSeenUs[key] = nowUs
	return id
}

// Cleanup drops synthetic tracks and key→UUID mappings that have gone
// stale relative to nowUs, per spec.md §4.3's end-of-frame cleanup
// step.
func (r *Registry) Cleanup(nowUs int64) {
	for key, st := range r.syntheticTracks {
		if nowUs-st.lastSeenUs > r.syntheticTrackTTLUs {
			delete(r.syntheticTracks, key)
		}
	}
	for key, lastSeen := range r.trackLastSeenUs {
		if nowUs-lastSeen > r.trackMapTTLUs {
			delete(r.trackLastSeenUs, key)
			delete(r.trackUUIDByKey, key)
		}
	}
}

// Empty reports whether all tracking state has decayed away, useful
// for asserting steady-state behavior in tests.
func (r *Registry) Empty() bool {
	return len(r.syntheticTracks) == 0 && len(r.trackUUIDByKey) == 0 && len(r.trackLastSeenUs) == 0
}
