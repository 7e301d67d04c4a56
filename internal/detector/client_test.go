package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studio-tech-hub/safeaging/internal/config"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/pixconv"
	"github.com/studio-tech-hub/safeaging/internal/ports"
)

func testTunables(serviceURL string) config.Tunables {
	return config.Tunables{
		ServiceURL:              serviceURL,
		ConnectTimeoutMs:        250,
		ReadTimeoutMs:           400,
		WriteTimeoutMs:          250,
		SendWidth:               640,
		JPEGQuality:             80,
		CircuitFailureThreshold: 3,
		CircuitOpenMs:           3000,
		LogThrottleMs:           5000,
	}
}

func smallFrame() pixconv.BGRMatrix {
	return pixconv.BGRMatrix{Width: 4, Height: 4, Pixels: make([]byte, 4*4*3)}
}

func TestClient_Run_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/infer" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cam1", body["camera_id"])
		assert.NotEmpty(t, body["image"])

		// 640x480 encoded frame; a bbox of (100,100,50,200) normalizes to
		// (0.15625, 0.2083, 0.0781, 0.4167).
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"x": 100.0, "y": 100.0, "w": 50.0, "h": 200.0, "cls": "person", "score": 0.9, "track_id": 7},
		})
	}))
	defer server.Close()

	c, err := New("cam1", testTunables(server.URL), ports.NoopDiagnosticSink{}, metrics.NewForTest())
	require.NoError(t, err)

	frame := pixconv.BGRMatrix{Width: 640, Height: 480, Pixels: make([]byte, 640*480*3)}
	dets := c.Run(context.Background(), time.Now(), frame)

	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].ClassLabel)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	require.NotNil(t, dets[0].AITrackID)
	assert.Equal(t, int64(7), *dets[0].AITrackID)

	assert.InDelta(t, 0.15625, dets[0].Box.X, 1e-4)
	assert.InDelta(t, 0.20833, dets[0].Box.Y, 1e-4)
	assert.InDelta(t, 0.078125, dets[0].Box.Width, 1e-4)
	assert.InDelta(t, 0.41667, dets[0].Box.Height, 1e-4)
}

func TestClient_Run_DropsDegenerateBoxes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"x": 0.0, "y": 0.0, "w": 0.0, "h": 10.0},
			{"x": 0.0, "y": 0.0, "w": 10.0, "h": -5.0},
			{"x": 10.0, "y": 10.0, "w": 20.0, "h": 20.0},
		})
	}))
	defer server.Close()

	c, err := New("cam1", testTunables(server.URL), ports.NoopDiagnosticSink{}, metrics.NewForTest())
	require.NoError(t, err)

	// The valid box (10,10,20,20) must lie inside the encoded image, so
	// this test sends a 64x64 frame rather than smallFrame's 4x4.
	frame := pixconv.BGRMatrix{Width: 64, Height: 64, Pixels: make([]byte, 64*64*3)}
	dets := c.Run(context.Background(), time.Now(), frame)
	require.Len(t, dets, 1)
}

func TestClient_Run_MalformedFieldsTolerated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"x": 1.0, "y": 1.0, "w": 1.0, "h": 1.0, "track_id": "not-a-number"},
		})
	}))
	defer server.Close()

	c, err := New("cam1", testTunables(server.URL), ports.NoopDiagnosticSink{}, metrics.NewForTest())
	require.NoError(t, err)

	dets := c.Run(context.Background(), time.Now(), smallFrame())
	require.Len(t, dets, 1)
	assert.Nil(t, dets[0].AITrackID)
}

func TestClient_Run_CircuitTripsAtThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	diag := &ports.RecordingDiagnosticSink{}
	c, err := New("cam1", testTunables(server.URL), diag, metrics.NewForTest())
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 2; i++ {
		dets := c.Run(context.Background(), now, smallFrame())
		assert.Empty(t, dets)
		assert.False(t, c.breaker.open, "breaker should still be closed before threshold")
	}

	dets := c.Run(context.Background(), now, smallFrame())
	assert.Empty(t, dets)
	assert.True(t, c.breaker.open, "breaker should trip on the 3rd consecutive failure")

	// While open, Run must short-circuit without hitting the network.
	hitCount := 0
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitCount++
	}))
	defer blocked.Close()
	c.inferURL = blocked.URL + "/infer"
	dets = c.Run(context.Background(), now, smallFrame())
	assert.Empty(t, dets)
	assert.Equal(t, 0, hitCount)
}

func TestClient_Run_CircuitRecoversAfterOpenDuration(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer server.Close()

	tun := testTunables(server.URL)
	tun.CircuitOpenMs = 10
	c, err := New("cam1", tun, ports.NoopDiagnosticSink{}, metrics.NewForTest())
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 3; i++ {
		c.Run(context.Background(), now, smallFrame())
	}
	require.True(t, c.breaker.open)

	fail = false
	later := now.Add(20 * time.Millisecond)
	dets := c.Run(context.Background(), later, smallFrame())
	assert.NotNil(t, dets)
	assert.False(t, c.breaker.open)
}

func TestNew_RejectsMalformedServiceURL(t *testing.T) {
	_, err := New("cam1", testTunables("http://[::1"), ports.NoopDiagnosticSink{}, metrics.NewForTest())
	assert.Error(t, err)
}

func TestClient_Run_NonJSONBodyIsAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	diag := &ports.RecordingDiagnosticSink{}
	c, err := New("cam1", testTunables(server.URL), diag, metrics.NewForTest())
	require.NoError(t, err)

	dets := c.Run(context.Background(), time.Now(), smallFrame())
	assert.Empty(t, dets)
	require.NotEmpty(t, diag.Entries)
}
