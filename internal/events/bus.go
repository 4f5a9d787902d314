// Package events fans engine notifications out to network subscribers
// (SSE, WebSocket, MQTT) with a replay buffer for reconnecting clients.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/readalong/internal/metrics"
)

// Event types.
const (
	TypePlayback   = "playback_state"
	TypeSync       = "sync_state"
	TypeCursor     = "text_cursor"
	TypeCompletion = "completion"
	TypeError      = "error"
	TypeSpeech     = "speech"
)

// Event is one published notification.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Session   string          `json:"session,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types   []string
	Session string
}

// ParseFilter builds a filter from a comma separated type list.
func ParseFilter(types, session string) Filter {
	var f Filter
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, t)
		}
	}
	f.Session = strings.TrimSpace(session)
	return f
}

// Bus provides pub-sub event distribution. It maintains a ring buffer for
// replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel
// function. Cancel closes the channel and is safe to call more than once.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events after the given event ID. When the ID
// is empty or has already been overwritten, the whole buffer is replayed so
// the client does not silently miss everything.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	start := 0
	if lastEventID != "" {
		for i := 0; i < b.ringSize; i++ {
			if b.ring[(b.ringHead+i)%b.ringSize].ID == lastEventID {
				start = i + 1
				break
			}
		}
	}

	var events []Event
	for i := start; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends an event to all matching subscribers and adds it to the ring
// buffer. Slow subscribers miss events rather than block the publisher.
func (b *Bus) Publish(eventType, session string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	now := time.Now()
	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      eventType,
		Session:   session,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	b.mu.RUnlock()
	metrics.EventsPublishedTotal.Inc()
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if strings.TrimSpace(t) == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Session != "" && e.Session != "" && f.Session != e.Session {
		return false
	}
	return true
}
