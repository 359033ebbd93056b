// Package telemetry defines the fire-and-forget event sink used by the
// connection layer, together with logger and Prometheus backed sinks.
// A missing sink never affects correctness: use OrNop.
package telemetry

import (
	"github.com/cyberinferno/go-deltaconn/logger"
)

// Event names recorded by the connection layer.
const (
	EventSocketCreated       = "SocketCreated"
	EventGetSocketReference  = "GetSocketReference"
	EventSocketStale         = "SocketStale"
	EventSocketClosed        = "SocketClosed"
	EventSocketTerminated    = "SocketTerminated"
	EventSessionConnected    = "SessionConnected"
	EventSessionDisconnected = "SessionDisconnected"
	EventHandshakeFailed     = "HandshakeFailed"
)

// Sink records a named event with free-form properties.
type Sink interface {
	Record(event string, props map[string]any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, props map[string]any)

// Record implements Sink.
func (f SinkFunc) Record(event string, props map[string]any) { f(event, props) }

type nop struct{}

func (nop) Record(string, map[string]any) {}

// Nop returns a Sink that drops every event.
func Nop() Sink { return nop{} }

// OrNop returns s, or a no-op sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return nop{}
	}

	return s
}

// Multi fans each event out to every sink in order.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(event string, props map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Record(event, props)
		}
	}
}

// LoggerSink writes each event as a debug log line.
type LoggerSink struct {
	log logger.Logger
}

// NewLoggerSink returns a Sink that logs events through l.
func NewLoggerSink(l logger.Logger) *LoggerSink {
	return &LoggerSink{log: l.With(logger.String("source", "telemetry"))}
}

// Record implements Sink.
func (s *LoggerSink) Record(event string, props map[string]any) {
	fields := make([]logger.Field, 0, len(props))
	for k, v := range props {
		fields = append(fields, logger.Any(k, v))
	}

	s.log.Debug(event, fields...)
}
