// Package config loads and validates the tunables for one camera's
// fall-detection analytics core (spec.md §6). Values come from a
// PluginRuntime-style key/value surface — populated from process
// environment by the plugin bootstrap, out of scope here — and may be
// overlaid by an optional on-disk YAML file, hot-reloaded with
// fsnotify exactly as this package's NVR-wide predecessor reloaded
// camera/storage/detector settings.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Tunables holds every configurable knob enumerated in spec.md §6,
// already clamped and defaulted per §4.1's rules.
type Tunables struct {
	ServiceURL string `yaml:"service_url"`

	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int `yaml:"read_timeout_ms"`
	WriteTimeoutMs   int `yaml:"write_timeout_ms"`

	SendWidth   int `yaml:"send_width"`
	JPEGQuality int `yaml:"jpeg_quality"`

	CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
	CircuitOpenMs           int `yaml:"circuit_open_ms"`
	LogThrottleMs           int `yaml:"log_throttle_ms"`

	SampleFPS    float64 `yaml:"sample_fps"`
	MaxQueueSize int     `yaml:"max_queue_size"`

	FallFinishGraceUs   int `yaml:"fall_finish_grace_us"`
	SyntheticTrackTTLUs int `yaml:"synthetic_track_ttl_us"`
	TrackMapTTLUs       int `yaml:"track_map_ttl_us"`

	// Internal fields, not part of the YAML overlay.
	mu       sync.RWMutex `yaml:"-"`
	path     string       `yaml:"-"`
	watchers []func(*Tunables) `yaml:"-"`
}

// ConnectTimeout, ReadTimeout, WriteTimeout, CircuitOpenDuration,
// LogThrottle, FallFinishGrace, SyntheticTrackTTL and TrackMapTTL
// convert the millisecond/microsecond fields into time.Duration for
// callers; the raw int fields exist so the struct round-trips through
// YAML without a custom MarshalYAML.
func (t *Tunables) ConnectTimeout() time.Duration     { return time.Duration(t.ConnectTimeoutMs) * time.Millisecond }
func (t *Tunables) ReadTimeout() time.Duration        { return time.Duration(t.ReadTimeoutMs) * time.Millisecond }
func (t *Tunables) WriteTimeout() time.Duration       { return time.Duration(t.WriteTimeoutMs) * time.Millisecond }
func (t *Tunables) CircuitOpenDuration() time.Duration { return time.Duration(t.CircuitOpenMs) * time.Millisecond }
func (t *Tunables) LogThrottle() time.Duration        { return time.Duration(t.LogThrottleMs) * time.Millisecond }
func (t *Tunables) FallFinishGrace() time.Duration    { return time.Duration(t.FallFinishGraceUs) * time.Microsecond }
func (t *Tunables) SyntheticTrackTTL() time.Duration  { return time.Duration(t.SyntheticTrackTTLUs) * time.Microsecond }
func (t *Tunables) TrackMapTTL() time.Duration        { return time.Duration(t.TrackMapTTLUs) * time.Microsecond }

// Source is the minimal config-value surface this package needs from
// the host's plugin runtime: string/int/float lookups with defaults,
// matching the shape of sdk.PluginRuntime's ConfigString/ConfigInt/
// ConfigFloat (see DESIGN.md).
type Source interface {
	ConfigString(key, defaultVal string) string
	ConfigInt(key string, defaultVal int) int
	ConfigFloat(key string, defaultVal float64) float64
}

// MapSource is a Source backed by a plain map, used by tests and the
// demo binary where there is no live PluginRuntime.
type MapSource map[string]any

func (m MapSource) ConfigString(key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func (m MapSource) ConfigInt(key string, defaultVal int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

func (m MapSource) ConfigFloat(key string, defaultVal float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultVal
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Load reads every tunable from src, applying spec.md §4.1/§6 defaults
// and clamps, and validates serviceUrl's scheme. A non-http scheme is
// rejected with a clear error at construction, per spec.md §4.1.
func Load(src Source) (*Tunables, error) {
	t := &Tunables{
		ServiceURL: src.ConfigString("serviceUrl", "http://localhost:8081"),

		ConnectTimeoutMs: clampInt(src.ConfigInt("connectTimeoutMs", 250), 50, 5000),
		ReadTimeoutMs:    clampInt(src.ConfigInt("readTimeoutMs", 400), 50, 5000),
		WriteTimeoutMs:   clampInt(src.ConfigInt("writeTimeoutMs", 250), 50, 5000),

		SendWidth:   clampInt(src.ConfigInt("sendWidth", 640), 160, 3840),
		JPEGQuality: clampInt(src.ConfigInt("jpegQuality", 80), 40, 95),

		CircuitFailureThreshold: max(1, src.ConfigInt("circuitFailureThreshold", 3)),
		CircuitOpenMs:           src.ConfigInt("circuitOpenMs", 3000),
		LogThrottleMs:           src.ConfigInt("logThrottleMs", 5000),

		SampleFPS:    min(src.ConfigFloat("sampleFps", 5.0), 60),
		MaxQueueSize: clampInt(src.ConfigInt("maxQueueSize", 4), 1, 120),

		FallFinishGraceUs:   clampInt(src.ConfigInt("fallFinishGraceUs", 3_000_000), 0, 120_000_000),
		SyntheticTrackTTLUs: src.ConfigInt("syntheticTrackTtlUs", 2_000_000),
		TrackMapTTLUs:       src.ConfigInt("trackMapTtlUs", 60_000_000),
	}

	// sampleFps has a documented floor of 0.1 when positive; 0 or
	// negative means "pass everything" per spec.md §4.2, so only clamp
	// the positive case up to the minimum.
	if t.SampleFPS > 0 && t.SampleFPS < 0.1 {
		t.SampleFPS = 0.1
	}

	if err := t.validate(); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tunables) validate() error {
	parsed, err := url.Parse(t.ServiceURL)
	if err != nil {
		return fmt.Errorf("invalid serviceUrl %q: %w", t.ServiceURL, err)
	}
	if parsed.Scheme != "http" {
		return fmt.Errorf("serviceUrl must use http://, got scheme %q (https is rejected at construction)", parsed.Scheme)
	}
	return nil
}

// LoadOverlay reads a YAML overlay file on top of values already
// produced by Load, returning a new *Tunables. Fields absent from the
// overlay keep the base value; every field present in the file,
// including an explicit zero, overrides it.
func LoadOverlay(base *Tunables, path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay %s: %w", path, err)
	}

	merged := *base
	merged.path = path
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}
	if err := merged.validate(); err != nil {
		return nil, fmt.Errorf("overlay %s: %w", path, err)
	}
	return &merged, nil
}

// OnChange registers a callback invoked with the freshly reloaded
// Tunables whenever Watch observes a file write.
func (t *Tunables) OnChange(fn func(*Tunables)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watchers = append(t.watchers, fn)
}

// Watch starts an fsnotify watcher on the overlay file this Tunables
// was loaded from and, 100ms after each write event, reloads it and
// invokes registered OnChange callbacks; successive writes are not
// coalesced. Watch is a no-op if this Tunables wasn't loaded via
// LoadOverlay (t.path is empty).
func (t *Tunables) Watch() error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					t.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("tunables watch error", "error", err)
			}
		}
	}()

	return watcher.Add(path)
}

func (t *Tunables) reload() {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()

	reloaded, err := LoadOverlay(t, path)
	if err != nil {
		slog.Error("failed to reload tunables overlay", "path", path, "error", err)
		return
	}

	t.mu.Lock()
	watchers := t.watchers
	t.ServiceURL = reloaded.ServiceURL
	t.ConnectTimeoutMs, t.ReadTimeoutMs, t.WriteTimeoutMs = reloaded.ConnectTimeoutMs, reloaded.ReadTimeoutMs, reloaded.WriteTimeoutMs
	t.SendWidth, t.JPEGQuality = reloaded.SendWidth, reloaded.JPEGQuality
	t.CircuitFailureThreshold, t.CircuitOpenMs, t.LogThrottleMs = reloaded.CircuitFailureThreshold, reloaded.CircuitOpenMs, reloaded.LogThrottleMs
	t.SampleFPS, t.MaxQueueSize = reloaded.SampleFPS, reloaded.MaxQueueSize
	t.FallFinishGraceUs, t.SyntheticTrackTTLUs, t.TrackMapTTLUs = reloaded.FallFinishGraceUs, reloaded.SyntheticTrackTTLUs, reloaded.TrackMapTTLUs
	t.mu.Unlock()

	slog.Info("tunables reloaded", "path", path)

	for _, fn := range watchers {
		fn(t)
	}
}

// Snapshot returns a copy of t safe to read without holding a lock,
// so the worker can capture the tunables in effect for one frame and
// keep using them even if a reload races in concurrently.
func (t *Tunables) Snapshot() Tunables {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := *t
	cp.mu = sync.RWMutex{}
	cp.watchers = nil
	return cp
}
