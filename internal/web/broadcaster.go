package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEvent is one log line mirrored to SSE clients.
type LogEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// LogBroadcaster distributes log lines to every connected status stream.
type LogBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	closed  bool
}

// NewLogBroadcaster creates a new broadcaster.
func NewLogBroadcaster() *LogBroadcaster {
	return &LogBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *LogBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients as
// {"t":"...","l":"info","msg":"..."}. Slow clients miss messages.
func (b *LogBroadcaster) Broadcast(level, msg string) {
	evt := LogEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Close disconnects every client. Later subscriptions get a closed channel.
func (b *LogBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

// BroadcastWriter implements io.Writer for debug.SetOutput; every line
// written is broadcast with the level taken from its tag.
func BroadcastWriter(b *LogBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *LogBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg != "" {
			w.b.Broadcast(levelOf(msg), msg)
		}
	}
	return len(p), nil
}

// levelOf maps the debug tags to SSE levels.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[WARN]"):
		return "warn"
	case strings.Contains(line, "[LIVE]"):
		return "live"
	case strings.Contains(line, "[VERBOSE]"), strings.Contains(line, "[TRACE]"), strings.Contains(line, "[GPIO]"):
		return "debug"
	}
	return "info"
}
