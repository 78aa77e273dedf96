package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sshdeck/sshdeck/internal/tunnel"
)

// EventType tags an Event.
type EventType string

const (
	EventStreamData    EventType = "stream-data"
	EventStreamEnd     EventType = "stream-end"
	EventTerminalData  EventType = "terminal-data"
	EventTerminalClose EventType = "terminal-close"
	EventSessionClosed EventType = "session-closed"
	EventTunnelState   EventType = "tunnel-state"
)

// Event is one asynchronous notification. Only the fields relevant to
// Type are set.
type Event struct {
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Time         time.Time `json:"time"`

	// stream-data: "stdout" or "stderr".
	Stream string `json:"stream,omitempty"`
	Data   []byte `json:"data,omitempty"`

	// stream-end
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`

	// session-closed
	Reason string `json:"reason,omitempty"`

	// tunnel-state
	Tunnel *tunnel.Info `json:"tunnel,omitempty"`
	State  tunnel.State `json:"state,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Subscription receives events until Close.
type Subscription struct {
	ID     string
	filter string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	bus    *Bus
}

// Events delivers matching events in publish order. It is never closed;
// select on Done as well.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription and releases any publisher blocked on it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s.ID)
	})
}

// DefaultStallTimeout is how long Publish waits on a full subscriber
// before dropping it.
const DefaultStallTimeout = 2 * time.Second

// Bus fans events out to subscribers. Publish waits until every matching
// subscriber has taken the event, so a slow reader slows the channel it
// is reading from instead of losing chunks. A subscriber whose buffer
// stays full for the stall timeout is closed; its consumer sees Done and
// has to resubscribe.
type Bus struct {
	stall time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBus returns an empty Bus using DefaultStallTimeout.
func NewBus() *Bus {
	return NewBusWithStall(DefaultStallTimeout)
}

// NewBusWithStall returns an empty Bus that drops subscribers blocking a
// publish for longer than stall.
func NewBusWithStall(stall time.Duration) *Bus {
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	return &Bus{stall: stall, subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber. A non-empty connectionID limits it to
// that session's events. buffer sizes the delivery channel.
func (b *Bus) Subscribe(connectionID string, buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		ID:     uuid.NewString(),
		filter: connectionID,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		bus:    b,
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == "" || s.filter == ev.ConnectionID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
			continue
		case <-s.done:
			continue
		default:
		}
		t := time.NewTimer(b.stall)
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-t.C:
			slog.Warn("dropping stalled event subscriber", "subscriber", s.ID, "connection", s.filter)
			s.Close()
		}
		t.Stop()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}
