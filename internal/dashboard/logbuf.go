package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is a single log line for the dashboard console.
type LogEntry struct {
	Time    string            `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"msg"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// LogBuffer keeps the most recent log entries and fans new ones out to
// live subscribers.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int
	subs    map[int]chan LogEntry
	nextID  int
}

func NewLogBuffer(max int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, 0, max),
		max:     max,
		subs:    make(map[int]chan LogEntry),
	}
}

func (b *LogBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.max {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, e)
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // slow console, drop
		}
	}
}

// Snapshot returns a copy of all buffered entries, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// subscribe returns a channel of new entries and its cancel func.
func (b *LogBuffer) subscribe() (<-chan LogEntry, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan LogEntry, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Handler wraps inner so every record it handles is also captured here.
func (b *LogBuffer) Handler(inner slog.Handler) slog.Handler {
	return &teeHandler{inner: inner, buf: b}
}

type teeHandler struct {
	inner slog.Handler
	buf   *LogBuffer
	attrs []slog.Attr
	group string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	e := LogEntry{
		Time:    r.Time.Format(time.TimeOnly),
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		e.Attrs = make(map[string]string, n)
		for _, a := range h.attrs {
			e.Attrs[a.Key] = a.Value.String()
		}
		r.Attrs(func(a slog.Attr) bool {
			e.Attrs[h.key(a.Key)] = a.Value.String()
			return true
		})
	}
	h.buf.add(e)
	return h.inner.Handle(ctx, r)
}

func (h *teeHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	for i := len(h.attrs); i < len(next.attrs); i++ {
		next.attrs[i].Key = h.key(next.attrs[i].Key)
	}
	return &next
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	next.group = h.key(name)
	return &next
}
