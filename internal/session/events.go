package session

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names an observer callback relayed to subscribers.
type EventType string

const (
	EventState          EventType = "state"
	EventEncoderLoading EventType = "encoder_loading"
	EventEncoderLoaded  EventType = "encoder_loaded"
	EventTimeout        EventType = "timeout"
	EventProgress       EventType = "progress"
	EventCanceled       EventType = "encoding_canceled"
	EventComplete       EventType = "complete"
	EventError          EventType = "error"
	EventFallback       EventType = "fallback"
)

// Event is one observer callback as seen by UI subscribers.
type Event struct {
	Type       EventType `json:"type"`
	SessionKey string    `json:"session"`
	Time       time.Time `json:"time"`

	State      string  `json:"state,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	ArtifactID string  `json:"artifact_id,omitempty"`
	FileName   string  `json:"file_name,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events to it are dropped.
const subscriberBuffer = 64

type subscriber struct {
	key string
	ch  chan Event
}

// Broker fans events out to subscribers. A subscriber registered with an
// empty key receives the events of every session. Publishing never blocks.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscriber
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscriber)}
}

// Subscribe registers for events of key. The returned cancel function
// unregisters and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(key string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{key: key, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.key != "" && s.key != ev.SessionKey {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Warn("session: subscriber too slow, event dropped",
				"session", ev.SessionKey, "type", ev.Type)
		}
	}
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
