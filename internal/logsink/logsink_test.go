package logsink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"checkout_engine/internal/logbus"
)

func TestMirrorStopsWhenBusCloses(t *testing.T) {
	bus := logbus.New(8)
	done := make(chan struct{})
	go func() {
		Mirror(context.Background(), bus, arbor.NewLogger())
		close(done)
	}()

	bus.Log(logbus.LevelInfo, "worker started", map[string]any{"taskId": "t1", "steps": 9, "error": errors.New("boom")})
	bus.Log(logbus.LevelWarn, "proxy rotation failed", nil)
	bus.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror did not return after close")
	}
}

func TestMirrorStopsWithContext(t *testing.T) {
	bus := logbus.New(8)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Mirror(ctx, bus, arbor.NewLogger())
		close(done)
	}()
	cancel()
	assert.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWriteAcceptsEveryLevel(t *testing.T) {
	logger := arbor.NewLogger()
	for _, level := range []string{logbus.LevelDebug, logbus.LevelInfo, logbus.LevelWarn, logbus.LevelError, "unknown"} {
		assert.NotPanics(t, func() {
			write(logger, logbus.LogData{Level: level, Msg: "m", Fields: map[string]any{"n": int64(1)}})
		})
	}
}

func TestNewConsoleWritesAtConfiguredLevel(t *testing.T) {
	for _, level := range []string{"", "debug", "warn"} {
		logger := NewConsole(level)
		assert.NotNil(t, logger)
		assert.NotPanics(t, func() {
			write(logger, logbus.LogData{Level: logbus.LevelWarn, Msg: "proxy rotated", Fields: map[string]any{"group": "resi"}})
		})
	}
}
