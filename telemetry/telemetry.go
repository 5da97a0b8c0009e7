// Package telemetry provides the broker's structured logging sink and its
// Prometheus metrics. Every subsystem takes a Sink so tests can run silent
// and hosts can plug in their own logging backend.
package telemetry

// Fields is the structured metadata bag attached to a log line.
type Fields map[string]interface{}

// Sink is the four-method logging interface the broker writes to.
type Sink interface {
	Debug(msg string, meta Fields)
	Info(msg string, meta Fields)
	Warn(msg string, meta Fields)
	Error(msg string, meta Fields)
}

// Nop returns a Sink that discards everything.
func Nop() Sink {
	return nopSink{}
}

type nopSink struct{}

func (nopSink) Debug(string, Fields) {}
func (nopSink) Info(string, Fields)  {}
func (nopSink) Warn(string, Fields)  {}
func (nopSink) Error(string, Fields) {}
