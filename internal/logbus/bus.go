package logbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeLog                = "log"
	TypeTaskStatus         = "task_status"
	TypeTaskUpdate         = "task_update"
	TypeWorkerShutdown     = "worker_shutdown"
	TypeChallengeRequested = "challenge_requested"
	TypeChallengeCancelled = "challenge_cancelled"
	TypeChallengeSolved    = "challenge_solved"
	TypeQueueProgress      = "queue_progress"
	TypeCheckout           = "checkout"
	TypeEngineState        = "engine_state"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Publisher is the part of the bus the runtime packages depend on.
type Publisher interface {
	Publish(typ string, data any)
	Log(level, message string, fields map[string]any)
}

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Bus struct {
	mu      sync.RWMutex
	buf     []Message
	cap     int
	subs    map[chan Message]map[string]bool
	closed  bool
	dropped atomic.Int64
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 200
	}
	return &Bus{
		cap:  capacity,
		buf:  make([]Message, 0, capacity),
		subs: make(map[chan Message]map[string]bool),
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
}

// Snapshot returns the buffered history, oldest first.
func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.buf))
	copy(out, b.buf)
	return out
}

// Dropped counts messages a slow subscriber never received.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe delivers every message, or only the listed types when any are
// given. Delivery never blocks the publisher; a full subscriber misses
// messages.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = filter
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) < b.cap {
		b.buf = append(b.buf, msg)
	} else if b.cap > 0 {
		copy(b.buf, b.buf[1:])
		b.buf[b.cap-1] = msg
	}
	for ch, filter := range b.subs {
		if filter != nil && !filter[typ] {
			continue
		}
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish(TypeLog, LogData{Level: level, Msg: message, Fields: fields})
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(string, any)                {}
func (Discard) Log(string, string, map[string]any) {}
