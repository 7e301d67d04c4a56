// Package agent implements the Device Agent facade (spec.md §4.6): the
// per-camera entry point a host plugin holds. Construction wires the
// Detector Client, Track Registry, Fall State Machine, frame sampler,
// bounded queue and worker goroutine together and starts the worker;
// destruction stops and joins it. This mirrors the lifecycle shape of
// the teacher's internal/detection.Service (Start wires dependencies
// and launches goroutines, Stop tears them down), narrowed from a
// multi-camera supervisor to one camera per agent.
package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/studio-tech-hub/safeaging/internal/config"
	"github.com/studio-tech-hub/safeaging/internal/detector"
	"github.com/studio-tech-hub/safeaging/internal/falls"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/pixconv"
	"github.com/studio-tech-hub/safeaging/internal/ports"
	"github.com/studio-tech-hub/safeaging/internal/sampler"
	"github.com/studio-tech-hub/safeaging/internal/tracks"
	"github.com/studio-tech-hub/safeaging/internal/worker"
)

// DeviceAgent is one camera's fall-detection analytics core.
type DeviceAgent struct {
	cameraID string
	tun      config.Tunables

	fsampler *sampler.FrameSampler
	queue    *sampler.Queue
	worker   *worker.Worker
	sink     *pollSink

	diag *ports.ThrottledDiagnostics
	m    *metrics.Set

	logger *slog.Logger
}

// New constructs a DeviceAgent and starts its worker goroutine.
func New(cameraID string, tun config.Tunables, diagSink ports.DiagnosticSink, m *metrics.Set) (*DeviceAgent, error) {
	client, err := detector.New(cameraID, tun, diagSink, m)
	if err != nil {
		return nil, err
	}

	registry := tracks.New(tun.SyntheticTrackTTL().Microseconds(), tun.TrackMapTTL().Microseconds())
	fallMachine := falls.New(tun.FallFinishGrace().Microseconds())
	queue := sampler.NewQueue(tun.MaxQueueSize)
	sink := newPollSink()

	w := worker.New(cameraID, queue, client, registry, fallMachine, sink, m)
	w.Start()

	a := &DeviceAgent{
		cameraID: cameraID,
		tun:      tun,
		fsampler: sampler.NewFrameSampler(tun.SampleFPS),
		queue:    queue,
		worker:   w,
		sink:     sink,
		diag:     ports.NewThrottledDiagnostics(diagSink, tun.LogThrottle()),
		m:        m,
		logger:   slog.Default().With("component", "device_agent", "camera", cameraID),
	}
	return a, nil
}

// PushFrame runs the sampler, converts the frame, and enqueues it.
// Bounded in wall-clock time by a small constant: no blocking I/O and
// no inference happens here (spec.md §4.6/§5).
func (a *DeviceAgent) PushFrame(frame ports.HostFrame) {
	if !a.fsampler.Accept(frame.TimestampUs) {
		return
	}

	matrix, err := pixconv.Convert(frame)
	if err != nil {
		a.m.FramesDropped.WithLabelValues(a.cameraID, "unsupported_format").Inc()
		a.diag.Emit(timestampAsTime(frame.TimestampUs), "agent:pixel_format", ports.DiagnosticWarning,
			"dropped frame with unsupported pixel format", map[string]any{
				"camera": a.cameraID, "reason": err.Error(),
			})
		return
	}

	a.m.FramesSampled.WithLabelValues(a.cameraID).Inc()
	dropped := a.queue.Push(sampler.FrameJob{TimestampUs: frame.TimestampUs, Frame: matrix})
	if dropped {
		a.m.FramesDropped.WithLabelValues(a.cameraID, "backpressure").Inc()
		a.diag.Emit(timestampAsTime(frame.TimestampUs), "agent:backpressure", ports.DiagnosticWarning,
			"frame queue full, dropped oldest queued frame", map[string]any{"camera": a.cameraID})
	}
}

// PullMetadata returns and clears every object- and event-metadata
// packet the worker has produced since the last call.
func (a *DeviceAgent) PullMetadata() ([]ports.ObjectMetadataPacket, []ports.EventMetadataPacket) {
	return a.sink.drain()
}

// Close stops the worker and blocks until it has exited.
func (a *DeviceAgent) Close() {
	a.queue.Stop()
	a.worker.Join()
}

// pollSink buffers metadata packets for the host to poll via
// PullMetadata, since the worker goroutine produces them
// asynchronously relative to the host's pull cadence.
type pollSink struct {
	mu      sync.Mutex
	objects []ports.ObjectMetadataPacket
	events  []ports.EventMetadataPacket
}

func newPollSink() *pollSink {
	return &pollSink{}
}

func (s *pollSink) PublishObjects(pkt ports.ObjectMetadataPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, pkt)
}

func (s *pollSink) PublishEvents(pkt ports.EventMetadataPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, pkt)
}

// timestampAsTime maps a frame's microsecond host timestamp onto
// time.Time so ThrottledDiagnostics can rate-limit deterministically
// against the frame timeline instead of wall-clock time.
func timestampAsTime(timestampUs int64) time.Time {
	return time.UnixMicro(timestampUs)
}

func (s *pollSink) drain() ([]ports.ObjectMetadataPacket, []ports.EventMetadataPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects := s.objects
	events := s.events
	s.objects = nil
	s.events = nil
	return objects, events
}
