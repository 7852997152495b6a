// Package logsink mirrors bus log records to the process console logger.
package logsink

import (
	"context"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"

	"checkout_engine/internal/logbus"
)

// NewConsole builds the arbor console logger at the given level.
func NewConsole(level string) arbor.ILogger {
	if level == "" {
		level = "info"
	}
	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		OutputType:       models.OutputFormatLogfmt,
		DisableTimestamp: false,
	}).WithLevelFromString(level)
}

// Mirror writes every log message published on bus to logger until ctx
// ends or the bus closes.
func Mirror(ctx context.Context, bus *logbus.Bus, logger arbor.ILogger) {
	ch, cancel := bus.Subscribe(512, logbus.TypeLog)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if rec, ok := msg.Data.(logbus.LogData); ok {
				write(logger, rec)
			}
		}
	}
}

func write(logger arbor.ILogger, rec logbus.LogData) {
	var event arbor.ILogEvent
	switch rec.Level {
	case logbus.LevelDebug:
		event = logger.Debug()
	case logbus.LevelWarn:
		event = logger.Warn()
	case logbus.LevelError:
		event = logger.Error()
	default:
		event = logger.Info()
	}
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch v := rec.Fields[key].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case error:
			event = event.Err(v)
		default:
			event = event.Str(key, fmt.Sprintf("%v", v))
		}
	}
	event.Msg(rec.Msg)
}
