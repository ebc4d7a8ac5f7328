package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// watermillLogger routes watermill's internal logging onto the engine logger.
type watermillLogger struct {
	log *logger.Logger
}

// NewWatermillLogger adapts l to watermill.LoggerAdapter.
func NewWatermillLogger(l *logger.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: l.With("component", "watermill")}
}

func flatten(fields watermill.LogFields, extra ...interface{}) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2+len(extra))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return append(kv, extra...)
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error(msg, flatten(fields, "error", err)...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Info(msg, flatten(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, flatten(fields)...)
}

// Trace is folded into debug.
func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Debug(msg, flatten(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.With(flatten(fields)...)}
}
