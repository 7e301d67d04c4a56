package worker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studio-tech-hub/safeaging/internal/config"
	"github.com/studio-tech-hub/safeaging/internal/detector"
	"github.com/studio-tech-hub/safeaging/internal/falls"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/pixconv"
	"github.com/studio-tech-hub/safeaging/internal/ports"
	"github.com/studio-tech-hub/safeaging/internal/sampler"
	"github.com/studio-tech-hub/safeaging/internal/tracks"
)

func newTestWorker(t *testing.T, handler http.HandlerFunc) (*Worker, *sampler.Queue, *ports.RecordingMetadataSink) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tun := config.Tunables{
		ServiceURL:              server.URL,
		ConnectTimeoutMs:        250,
		ReadTimeoutMs:           400,
		WriteTimeoutMs:          250,
		SendWidth:               640,
		JPEGQuality:             80,
		CircuitFailureThreshold: 3,
		CircuitOpenMs:           3000,
		LogThrottleMs:           5000,
	}
	client, err := detector.New("cam1", tun, ports.NoopDiagnosticSink{}, metrics.NewForTest())
	if err != nil {
		t.Fatalf("detector.New failed: %v", err)
	}

	queue := sampler.NewQueue(4)
	registry := tracks.New(2_000_000, 60_000_000)
	machine := falls.New(3_000_000)
	sink := &ports.RecordingMetadataSink{}

	w := New("cam1", queue, client, registry, machine, sink, metrics.NewForTest())
	return w, queue, sink
}

func TestWorker_ProcessesJobAndEmitsObjects(t *testing.T) {
	w, queue, sink := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode([]map[string]any{
			{"x": 100.0, "y": 100.0, "w": 50.0, "h": 200.0, "cls": "person", "score": 0.9, "track_id": 7},
		})
	})

	w.Start()
	defer func() {
		queue.Stop()
		w.Join()
	}()

	queue.Push(sampler.FrameJob{TimestampUs: 1000, Frame: pixconv.BGRMatrix{Width: 640, Height: 480, Pixels: make([]byte, 640*480*3)}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Object) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(sink.Object) != 1 {
		t.Fatalf("expected one object-metadata packet, got %d", len(sink.Object))
	}
	pkt := sink.Object[0]
	if pkt.TimestampUs != 1000 {
		t.Fatalf("expected packet timestamp 1000, got %d", pkt.TimestampUs)
	}
	if len(pkt.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(pkt.Items))
	}
	if pkt.Items[0].Type != ports.ObjectTypePerson {
		t.Fatalf("expected person object type, got %v", pkt.Items[0].Type)
	}
}

func TestWorker_EmitsFallStartEvent(t *testing.T) {
	w, queue, sink := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode([]map[string]any{
			{"x": 10.0, "y": 10.0, "w": 10.0, "h": 10.0, "track_id": 1, "fall_detected": true},
		})
	})

	w.Start()
	defer func() {
		queue.Stop()
		w.Join()
	}()

	queue.Push(sampler.FrameJob{TimestampUs: 0, Frame: pixconv.BGRMatrix{Width: 64, Height: 64, Pixels: make([]byte, 64*64*3)}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(sink.Events) != 1 || len(sink.Events[0].Items) != 1 {
		t.Fatalf("expected one event packet with one item, got %+v", sink.Events)
	}
	if !sink.Events[0].Items[0].IsActive {
		t.Fatal("expected a START event (IsActive=true)")
	}
}

func TestWorker_StopDrainsThenTerminates(t *testing.T) {
	w, queue, _ := newTestWorker(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(rw).Encode([]map[string]any{})
	})

	w.Start()
	queue.Push(sampler.FrameJob{TimestampUs: 1, Frame: pixconv.BGRMatrix{Width: 4, Height: 4, Pixels: make([]byte, 48)}})
	queue.Stop()

	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate after stop")
	}
}
