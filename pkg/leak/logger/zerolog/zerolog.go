// Package zerolog adapts github.com/rs/zerolog to leak.Logger.
package zerolog

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// Logger implements leak.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

var _ leak.Logger = (*Logger)(nil)

// NewLogger wraps a zerolog logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a child logger that adds fields to every line.
func (l *Logger) With(fields ...leak.Field) *Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...leak.Field) { write(l.logger.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...leak.Field)  { write(l.logger.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...leak.Field)  { write(l.logger.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...leak.Field) { write(l.logger.Error(), msg, fields) }

// write is a no-op when the level is disabled (zerolog returns a nil event).
func write(event *zerolog.Event, msg string, fields []leak.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
