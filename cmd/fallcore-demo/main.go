// Command fallcore-demo wires one DeviceAgent against a synthetic
// frame feed and a fake AI inference service, exposing a small chi
// admin surface and a websocket live-metadata tap, following the
// teacher's plugins/nvr-spatial-tracking/cmd/main.go shape (chi
// router + CORS middleware + signal-driven graceful shutdown),
// generalized from a standalone HTTP-API plugin process to a
// one-camera fall-detection demo.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/studio-tech-hub/safeaging/internal/agent"
	"github.com/studio-tech-hub/safeaging/internal/config"
	"github.com/studio-tech-hub/safeaging/internal/diagnostics"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/ports"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cameraID := getenv("FALLCORE_CAMERA_ID", "demo-cam-1")
	listenAddr := getenv("FALLCORE_LISTEN_ADDR", ":8090")
	aiAddr := getenv("FALLCORE_AI_ADDR", ":8081")

	aiServer := newFakeInferenceServer(aiAddr)
	go func() {
		if err := aiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("fake inference server error: %v", err)
		}
	}()

	tun, err := config.Load(config.MapSource{
		"serviceUrl": "http://127.0.0.1" + aiAddr,
	})
	if err != nil {
		log.Fatalf("failed to load tunables: %v", err)
	}

	diagSink, err := diagnostics.New(diagnostics.Config{})
	if err != nil {
		log.Fatalf("failed to start diagnostics sink: %v", err)
	}
	defer diagSink.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	a, err := agent.New(cameraID, *tun, diagSink, m)
	if err != nil {
		log.Fatalf("failed to construct device agent: %v", err)
	}
	defer a.Close()

	snapshots, err := lru.New[string, snapshot](64)
	if err != nil {
		log.Fatalf("failed to construct snapshot cache: %v", err)
	}

	hub := newMetadataHub()

	feedCtx, feedCancel := context.WithCancel(context.Background())
	go runSyntheticFeed(feedCtx, a, cameraID)
	go pollMetadataLoop(feedCtx, a, cameraID, snapshots, hub)

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	router.Get("/healthz", handleHealthz)
	router.Get("/debug/tracks", handleDebugTracks(snapshots))
	router.Get("/ws/metadata", handleWebsocketTap(hub))

	server := &http.Server{Addr: listenAddr, Handler: router}

	go func() {
		logger.Info("admin server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	feedCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
	if err := aiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("fake inference server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// snapshot is the per-camera value cached in the bounded LRU backing
// /debug/tracks. It holds item counts and the last frame timestamp
// from the most recent non-empty poll only, independent of
// any wall-clock TTL, since the cache exists purely to bound memory
// for admin inspection, not to express expiry semantics the core
// itself owns (tracks/registry.go's TTLs are the real expiry authority).
type snapshot struct {
	ObjectCount int       `json:"objectCount"`
	EventCount  int       `json:"eventCount"`
	LastFrameUs int64     `json:"lastFrameUs"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleDebugTracks(cache *lru.Cache[string, snapshot]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]snapshot, cache.Len())
		for _, key := range cache.Keys() {
			if v, ok := cache.Peek(key); ok {
				out[key] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func handleWebsocketTap(hub *metadataHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		hub.serve(conn)
	}
}

// metadataHub fans the agent's polled metadata packets out to every
// connected websocket client, following the generic
// register/unregister/broadcast shape of the teacher's internal/api
// websocket hub without reusing that file; this is this deployment's
// live-tap surface for the domain stack's gorilla/websocket entry.
type metadataHub struct {
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	clients    map[*websocket.Conn]bool
}

func newMetadataHub() *metadataHub {
	h := &metadataHub{
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 16),
		clients:    make(map[*websocket.Conn]bool),
	}
	go h.run()
	return h
}

func (h *metadataHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.Close()
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.unregister <- c
				}
			}
		}
	}
}

func (h *metadataHub) serve(conn *websocket.Conn) {
	h.register <- conn
	defer func() { h.unregister <- conn }()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *metadataHub) publish(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// runSyntheticFeed pushes deterministic synthetic BGR24 frames into
// the agent at a fixed cadence until ctx is cancelled, standing in for
// the host video pipeline a real plugin deployment would drive.
func runSyntheticFeed(ctx context.Context, a *agent.DeviceAgent, cameraID string) {
	const width, height = 320, 240
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	var frameCount int64
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frameCount++
			timestampUs := time.Since(start).Microseconds()
			a.PushFrame(ports.HostFrame{
				TimestampUs: timestampUs,
				Width:       width,
				Height:      height,
				Format:      ports.PixelFormatBGR24,
				Planes:      [3][]byte{syntheticPlane(width, height, frameCount)},
				LineSize:    [3]int{width * 3},
			})
		}
	}
}

func syntheticPlane(width, height int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	plane := make([]byte, width*height*3)
	_, _ = r.Read(plane)
	return plane
}

// pollMetadataLoop drains the agent's metadata packets, updates the
// bounded snapshot cache, and republishes them to the websocket hub.
func pollMetadataLoop(ctx context.Context, a *agent.DeviceAgent, cameraID string, cache *lru.Cache[string, snapshot], hub *metadataHub) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			objects, events := a.PullMetadata()
			if len(objects) == 0 && len(events) == 0 {
				continue
			}

			var lastFrameUs int64
			objCount, evtCount := 0, 0
			for _, pkt := range objects {
				objCount += len(pkt.Items)
				lastFrameUs = pkt.TimestampUs
				hub.publish(pkt)
			}
			for _, pkt := range events {
				evtCount += len(pkt.Items)
				lastFrameUs = pkt.TimestampUs
				hub.publish(pkt)
			}

			cache.Add(cameraID, snapshot{
				ObjectCount: objCount,
				EventCount:  evtCount,
				LastFrameUs: lastFrameUs,
				UpdatedAt:   time.Now(),
			})
		}
	}
}

// newFakeInferenceServer stands in for the real AI service the
// Detector Client calls, returning a handful of stable synthetic
// detections so the demo exercises the full detect/track/fall
// pipeline without a real model.
func newFakeInferenceServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"x": 40.0, "y": 40.0, "w": 60.0, "h": 140.0, "cls": "person", "score": 0.92, "track_id": 1},
		})
	})
	return &http.Server{Addr: addr, Handler: mux}
}
