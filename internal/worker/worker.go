// Package worker implements the single background goroutine that
// drives one camera's detection/tracking/fall pipeline (spec.md
// §4.5). Its start/stop shape follows the teacher's
// internal/detection.Service Start/Stop (context + WaitGroup-joined
// goroutine), generalized from a multi-camera supervisor down to one
// goroutine per camera core.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studio-tech-hub/safeaging/internal/detector"
	"github.com/studio-tech-hub/safeaging/internal/falls"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/ports"
	"github.com/studio-tech-hub/safeaging/internal/sampler"
	"github.com/studio-tech-hub/safeaging/internal/tracks"
)

// Worker owns the Detector Client, Track Registry and Fall State
// Machine for one camera. All three are worker-private (spec.md §5);
// only the Queue is shared with the ingress thread.
type Worker struct {
	cameraID string
	queue    *sampler.Queue
	client   *detector.Client
	registry *tracks.Registry
	falls    *falls.Machine
	sink     ports.MetadataSink
	m        *metrics.Set
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New builds a Worker. It does not start the goroutine; call Start.
func New(cameraID string, queue *sampler.Queue, client *detector.Client, registry *tracks.Registry, fallMachine *falls.Machine, sink ports.MetadataSink, m *metrics.Set) *Worker {
	return &Worker{
		cameraID: cameraID,
		queue:    queue,
		client:   client,
		registry: registry,
		falls:    fallMachine,
		sink:     sink,
		m:        m,
		logger:   slog.Default().With("component", "worker", "camera", cameraID),
	}
}

// Start launches the worker's background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Join blocks until the worker goroutine has exited. Callers must
// have already stopped the queue (spec.md §4.6: destruction sets the
// stop flag, notifies the condition, then joins).
func (w *Worker) Join() {
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		job, ok := w.queue.WaitPop()
		if !ok {
			return
		}
		w.processJob(job)
	}
}

func (w *Worker) processJob(job sampler.FrameJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovered from panic while processing frame", "panic", r, "timestamp_us", job.TimestampUs)
		}
	}()

	w.m.QueueDepth.WithLabelValues(w.cameraID).Set(float64(w.queue.Len()))

	dets := w.client.Run(context.Background(), time.Now(), job.Frame)

	w.registry.Resolve(dets, job.TimestampUs)

	objectItems := buildObjectItems(dets)
	if len(objectItems) > 0 {
		w.sink.PublishObjects(ports.ObjectMetadataPacket{
			TimestampUs: job.TimestampUs,
			Items:       objectItems,
		})
	}

	events := w.falls.Step(dets, job.TimestampUs)
	if len(events) > 0 {
		for _, ev := range events {
			if ev.IsActive {
				w.m.FallsStarted.WithLabelValues(w.cameraID).Inc()
			} else {
				w.m.FallsFinished.WithLabelValues(w.cameraID).Inc()
			}
		}
		w.sink.PublishEvents(ports.EventMetadataPacket{
			TimestampUs: job.TimestampUs,
			Items:       events,
		})
	}

	w.registry.Cleanup(job.TimestampUs)
	w.m.TracksActive.WithLabelValues(w.cameraID).Set(float64(w.falls.ActiveCount()))
}

// buildObjectItems converts accepted detections into object-metadata
// items, dropping any whose box fails the emission invariant (spec.md
// §8: "an internal invariant violation drops that detection only").
func buildObjectItems(dets []detector.Detection) []ports.ObjectMetadataItem {
	items := make([]ports.ObjectMetadataItem, 0, len(dets))
	for _, d := range dets {
		if !d.Box.Valid() {
			continue
		}
		items = append(items, ports.ObjectMetadataItem{
			Box:        d.Box,
			Type:       classifyObjectType(d.ClassLabel),
			Confidence: d.Confidence,
			TrackID:    d.TrackID,
			Attributes: map[string]any{
				"classLabel":   d.ClassLabel,
				"confidence":   d.Confidence,
				"fallDetected": d.FallDetected,
			},
		})
	}
	return items
}

func classifyObjectType(classLabel string) ports.ObjectType {
	if classLabel == "person" {
		return ports.ObjectTypePerson
	}
	return ports.ObjectTypeGeneric
}
