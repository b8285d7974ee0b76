package logging

import (
	"fmt"

	"github.com/rs/zerolog"
	tlog "go.temporal.io/sdk/log"
)

// TemporalLogger routes Temporal SDK logs through zerolog.
type TemporalLogger struct {
	log zerolog.Logger
}

var _ tlog.Logger = TemporalLogger{}

func NewTemporalLogger(base zerolog.Logger) TemporalLogger {
	return TemporalLogger{log: base.With().Str("component", "temporal").Logger()}
}

func (l TemporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.emit(l.log.Debug(), msg, keyvals)
}

func (l TemporalLogger) Info(msg string, keyvals ...interface{}) {
	l.emit(l.log.Info(), msg, keyvals)
}

func (l TemporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.emit(l.log.Warn(), msg, keyvals)
}

func (l TemporalLogger) Error(msg string, keyvals ...interface{}) {
	l.emit(l.log.Error(), msg, keyvals)
}

func (l TemporalLogger) emit(event *zerolog.Event, msg string, keyvals []interface{}) {
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 >= len(keyvals) {
			event = event.Interface(key, nil)
			break
		}
		if err, ok := keyvals[i+1].(error); ok {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, keyvals[i+1])
	}
	event.Msg(msg)
}
