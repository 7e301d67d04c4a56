// Package diagnostics adapts the Diagnostic-event sink port
// (spec.md §6) onto an embedded NATS server, following the teacher's
// internal/core.EventBus (embedded nats-server/v2 + nats.go client
// pub/sub), generalized from plugin-lifecycle events to fall-detection
// diagnostic events.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/studio-tech-hub/safeaging/internal/ports"
)

// subjectDiagnosticsPrefix is the NATS subject prefix every diagnostic
// is published under, suffixed by level for coarse-grained
// subscription filtering.
const subjectDiagnosticsPrefix = "fallcore.diagnostics."

// Sink publishes diagnostics onto an embedded NATS server, implementing
// ports.DiagnosticSink.
type Sink struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// Entry is the JSON payload published for each diagnostic.
type Entry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config configures the embedded NATS server backing the sink.
type Config struct {
	Host string
	Port int
}

// New starts an embedded NATS server and connects a publishing client
// to it. Port 0 lets the OS choose an ephemeral port, which is the
// default for the demo binary and for tests.
func New(cfg Config) (*Sink, error) {
	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: failed to create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("diagnostics: embedded NATS server not ready after 2s")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("diagnostics: failed to connect to embedded NATS: %w", err)
	}

	return &Sink{
		server: ns,
		conn:   nc,
		logger: slog.Default().With("component", "diagnostics_sink"),
	}, nil
}

// ClientURL returns the embedded server's client URL, for a second
// connection (e.g. a subscriber in the demo binary or in tests).
func (s *Sink) ClientURL() string {
	return s.server.ClientURL()
}

// Diagnostic implements ports.DiagnosticSink by publishing the entry
// as JSON to fallcore.diagnostics.<level>. Publish errors are logged
// locally and otherwise swallowed — diagnostics are best-effort and
// must never affect the camera core's control flow.
func (s *Sink) Diagnostic(level ports.DiagnosticLevel, message string, fields map[string]any) {
	entry := Entry{
		Level:     levelName(level),
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to marshal diagnostic entry", "error", err)
		return
	}
	if err := s.conn.Publish(subjectDiagnosticsPrefix+entry.Level, payload); err != nil {
		s.logger.Error("failed to publish diagnostic", "error", err)
	}
}

// Subscribe registers handler for every diagnostic published under the
// given level's subject ("info", "warning" or "error"); each level is
// matched exactly, not "at or above". Pass "*" to receive all levels.
func (s *Sink) Subscribe(levelSubject string, handler func(Entry)) (*nats.Subscription, error) {
	return s.conn.Subscribe(subjectDiagnosticsPrefix+levelSubject, func(msg *nats.Msg) {
		var entry Entry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			s.logger.Error("failed to unmarshal diagnostic entry", "error", err)
			return
		}
		handler(entry)
	})
}

// Close drains the connection and shuts down the embedded server.
func (s *Sink) Close() {
	_ = s.conn.Drain()
	s.server.Shutdown()
}

func levelName(level ports.DiagnosticLevel) string {
	switch level {
	case ports.DiagnosticInfo:
		return "info"
	case ports.DiagnosticWarning:
		return "warning"
	case ports.DiagnosticError:
		return "error"
	default:
		return "info"
	}
}
