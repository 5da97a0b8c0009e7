package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Logger is the default Sink, backed by logrus with JSON output.
type Logger struct {
	l *logrus.Logger
}

// NewLogger builds a Logger at the given level ("debug", "info", "warn",
// "error"). An unknown level falls back to info. When metrics is non-nil,
// every emitted line increments logs_total{level}.
func NewLogger(level string, metrics *Metrics) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if metrics != nil {
		l.AddHook(&countingHook{counter: metrics.LogsTotal})
	}

	return &Logger{l: l}
}

func (g *Logger) Debug(msg string, meta Fields) { g.entry(meta).Debug(msg) }
func (g *Logger) Info(msg string, meta Fields)  { g.entry(meta).Info(msg) }
func (g *Logger) Warn(msg string, meta Fields)  { g.entry(meta).Warn(msg) }
func (g *Logger) Error(msg string, meta Fields) { g.entry(meta).Error(msg) }

func (g *Logger) entry(meta Fields) *logrus.Entry {
	if len(meta) == 0 {
		return logrus.NewEntry(g.l)
	}
	return g.l.WithFields(logrus.Fields(meta))
}

// countingHook bumps the logs_total counter for every line logrus emits.
type countingHook struct {
	counter *prometheus.CounterVec
}

func (h *countingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *countingHook) Fire(e *logrus.Entry) error {
	h.counter.WithLabelValues(e.Level.String()).Inc()
	return nil
}
