// Package metrics declares the Prometheus instrumentation surface for
// one fall-detection analytics core. The metric names and the
// counter/gauge/histogram shapes follow the teacher's
// internal/metrics/ai_metrics.go; unlike that file's package-level
// promauto globals, metrics here are grouped into a Set bound to a
// caller-supplied registerer, since a deployment or test may construct
// more than one Device Agent in the same process and must not panic on
// duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every metric one Device Agent's components report into.
// All metrics are labeled by camera (FramesDropped additionally by
// reason), matching the teacher's low-cardinality convention.
type Set struct {
	CircuitState     *prometheus.GaugeVec
	DetectorFailures *prometheus.CounterVec
	InferenceLatency *prometheus.HistogramVec

	FramesSampled *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	TracksActive  *prometheus.GaugeVec
	FallsStarted  *prometheus.CounterVec
	FallsFinished *prometheus.CounterVec
}

// New builds a Set and registers every metric with reg. Passing
// prometheus.NewRegistry() isolates a test or a single demo instance;
// passing prometheus.DefaultRegisterer matches the teacher's global
// behavior for a long-lived process.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fallcore_detector_circuit_state",
			Help: "Detector client circuit breaker state (0=closed, 1=open) by camera",
		}, []string{"camera"}),
		DetectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallcore_detector_failures_total",
			Help: "Total detector call failures by camera",
		}, []string{"camera"}),
		InferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fallcore_inference_latency_seconds",
			Help:    "AI service inference call latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"camera"}),
		FramesSampled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallcore_frames_sampled_total",
			Help: "Total frames accepted by the frame sampler and converted for enqueue by camera",
		}, []string{"camera"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallcore_frames_dropped_total",
			Help: "Total frames dropped (unsupported pixel format or queue overflow) by camera",
		}, []string{"camera", "reason"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fallcore_queue_depth",
			Help: "Current frame queue depth by camera",
		}, []string{"camera"}),
		TracksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fallcore_tracks_active",
			Help: "Current number of live synthetic tracks by camera",
		}, []string{"camera"}),
		FallsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallcore_falls_started_total",
			Help: "Total fall START events emitted by camera",
		}, []string{"camera"}),
		FallsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fallcore_falls_finished_total",
			Help: "Total fall FINISH events emitted by camera",
		}, []string{"camera"}),
	}

	for _, c := range []prometheus.Collector{
		s.CircuitState, s.DetectorFailures, s.InferenceLatency,
		s.FramesSampled, s.FramesDropped, s.QueueDepth,
		s.TracksActive, s.FallsStarted, s.FallsFinished,
	} {
		reg.MustRegister(c)
	}
	return s
}

// NewForTest builds a Set registered against a fresh private registry,
// so parallel tests never collide over metric names.
func NewForTest() *Set {
	return New(prometheus.NewRegistry())
}
