package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/studio-tech-hub/safeaging/internal/config"
	"github.com/studio-tech-hub/safeaging/internal/metrics"
	"github.com/studio-tech-hub/safeaging/internal/pixconv"
	"github.com/studio-tech-hub/safeaging/internal/ports"
)

// Client is the Detector Client (spec.md §4.1). One Client per camera;
// every field below is worker-private, matching the teacher's
// internal/detection.Client shape minus its shared-stats mutex, which
// is unnecessary here because nothing but the worker ever touches it.
type Client struct {
	cameraID string
	httpc    *http.Client
	host     string
	port     int
	inferURL string

	sendWidth   int
	jpegQuality int

	breaker *circuitBreaker

	logger *slog.Logger
	diag   *ports.ThrottledDiagnostics
	m      *metrics.Set
}

// New builds a Client from validated Tunables. Construction fails only
// if serviceUrl cannot be parsed into host/port (config.Load already
// rejects non-http schemes before this is reached).
func New(cameraID string, tun config.Tunables, diagSink ports.DiagnosticSink, m *metrics.Set) (*Client, error) {
	parsed, err := url.Parse(tun.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("detector: invalid serviceUrl: %w", err)
	}

	host := parsed.Hostname()
	portStr := parsed.Port()
	port := 80
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("detector: invalid serviceUrl port: %w", err)
		}
	}

	inferPath := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(inferPath, "/infer") {
		inferPath += "/infer"
	}
	inferURL := fmt.Sprintf("http://%s:%d%s", host, port, inferPath)

	dialer := &net.Dialer{Timeout: tun.ConnectTimeout()}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: tun.ReadTimeout(),
	}

	return &Client{
		cameraID:    cameraID,
		httpc:       &http.Client{Transport: transport, Timeout: tun.ConnectTimeout() + tun.ReadTimeout() + tun.WriteTimeout()},
		host:        host,
		port:        port,
		inferURL:    inferURL,
		sendWidth:   tun.SendWidth,
		jpegQuality: tun.JPEGQuality,
		breaker: newCircuitBreaker(tun.CircuitFailureThreshold, tun.CircuitOpenDuration()),
		logger:  slog.Default().With("component", "detector_client", "camera", cameraID),
		diag:    ports.NewThrottledDiagnostics(diagSink, tun.LogThrottle()),
		m:       m,
	}, nil
}

// Run performs one inference call. It never returns an error to the
// caller: on any failure it logs (throttled), updates metrics and the
// circuit breaker, and returns an empty detection slice, per spec.md
// §4.1's "never raises" contract.
func (c *Client) Run(ctx context.Context, now time.Time, frame pixconv.BGRMatrix) []Detection {
	if !c.breaker.allow(now) {
		c.m.CircuitState.WithLabelValues(c.cameraID).Set(1)
		return nil
	}

	encoded, encWidth, encHeight, err := c.encode(frame)
	if err != nil {
		c.fail(now, fmt.Sprintf("jpeg encode failed: %v", err))
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"camera_id": c.cameraID,
		"image":     base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		c.fail(now, fmt.Sprintf("request marshal failed: %v", err))
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.httpc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.inferURL, bytes.NewReader(body))
	if err != nil {
		c.fail(now, fmt.Sprintf("request build failed: %v", err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	c.m.InferenceLatency.WithLabelValues(c.cameraID).Observe(time.Since(start).Seconds())
	if err != nil {
		c.fail(now, fmt.Sprintf("request failed: %v", err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.fail(now, fmt.Sprintf("non-200 status: %d", resp.StatusCode))
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.fail(now, fmt.Sprintf("body read failed: %v", err))
		return nil
	}

	var elements []rawDetection
	if err := json.Unmarshal(raw, &elements); err != nil {
		c.fail(now, fmt.Sprintf("malformed json array: %v", err))
		return nil
	}

	c.breaker.recordSuccess()
	c.m.CircuitState.WithLabelValues(c.cameraID).Set(0)

	return normalize(elements, encWidth, encHeight)
}

func (c *Client) fail(now time.Time, reason string) {
	c.breaker.recordFailure(now)
	state := c.breaker.state()
	if c.breaker.open {
		c.m.CircuitState.WithLabelValues(c.cameraID).Set(1)
	}
	c.m.DetectorFailures.WithLabelValues(c.cameraID).Inc()
	c.logger.Debug("detector call failed", "reason", reason, "circuit_state", state)

	c.diag.Emit(now, "detector:failure", ports.DiagnosticWarning,
		"detector call failed", map[string]any{
			"camera": c.cameraID, "reason": reason, "circuit_state": state,
		})
}

// encode downscales frame proportionally to sendWidth if it's wider,
// then JPEG-encodes it, returning the encoded-image dimensions (the
// pixel space the AI service's response coordinates are expressed in,
// per spec.md §4.1/§9 open question).
func (c *Client) encode(frame pixconv.BGRMatrix) (data []byte, width, height int, err error) {
	width, height = frame.Width, frame.Height
	img := bgrToImage(frame)

	if width > c.sendWidth {
		scale := float64(c.sendWidth) / float64(width)
		newHeight := int(float64(height) * scale)
		if newHeight < 1 {
			newHeight = 1
		}
		img = resizeNearest(img, c.sendWidth, newHeight)
		width, height = c.sendWidth, newHeight
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), width, height, nil
}

func bgrToImage(frame pixconv.BGRMatrix) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			idx := (y*frame.Width + x) * 3
			b, g, r := frame.Pixels[idx], frame.Pixels[idx+1], frame.Pixels[idx+2]
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}

// resizeNearest performs nearest-neighbor resampling; the spec only
// requires proportional downscaling before encoding, not a
// particular resampling algorithm.
func resizeNearest(src image.Image, width, height int) image.Image {
	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		sy := y * srcH / height
		for x := 0; x < width; x++ {
			sx := x * srcW / width
			dst.Set(x, y, src.At(bounds.Min.X+sx, bounds.Min.Y+sy))
		}
	}
	return dst
}

// normalize converts each rawDetection's pixel-space box into the unit
// square, drops degenerate/invalid entries, and resolves a class
// label, confidence, and parsed track id, per spec.md §4.1.
func normalize(elements []rawDetection, imgW, imgH int) []Detection {
	out := make([]Detection, 0, len(elements))
	for _, e := range elements {
		if e.W <= 0 || e.H <= 0 || imgW <= 0 || imgH <= 0 {
			continue
		}

		x := e.X / float64(imgW)
		y := e.Y / float64(imgH)
		w := e.W / float64(imgW)
		h := e.H / float64(imgH)

		x, y, w, h = clampUnitSquare(x, y, w, h)
		if w <= 0 || h <= 0 {
			continue
		}

		label := e.Cls
		if label == "" {
			label = e.Class
		}
		if label == "" {
			label = "person"
		}

		confidence := e.Score
		if confidence == 0 {
			confidence = e.Confidence
		}

		out = append(out, Detection{
			Box:          ports.Rect{X: x, Y: y, Width: w, Height: h},
			ClassLabel:   label,
			Confidence:   float32(confidence),
			FallDetected: e.FallDetected,
			AITrackID:    parseTrackID(e.TrackID),
		})
	}
	return out
}

// clampUnitSquare clamps x,y into [0,1] and trims w,h so x+w<=1 and
// y+h<=1 by reducing the dimension, per spec.md §4.1 normalization.
func clampUnitSquare(x, y, w, h float64) (float64, float64, float64, float64) {
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if x > 1 {
		x = 1
	}
	if y > 1 {
		y = 1
	}
	if x+w > 1 {
		w = 1 - x
	}
	if y+h > 1 {
		h = 1 - y
	}
	return x, y, w, h
}

// parseTrackID accepts an integer, a float (rounded), or a numeric
// string; any other shape (including absence) yields nil, per spec.md
// §4.1's "Parse failures are treated as absent."
func parseTrackID(v any) *int64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		id := int64(t + 0.5)
		if t < 0 {
			id = int64(t - 0.5)
		}
		return &id
	case int64:
		return &t
	case int:
		id := int64(t)
		return &id
	case string:
		if t == "" {
			return nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return &n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			id := int64(f + 0.5)
			return &id
		}
		return nil
	default:
		return nil
	}
}
