package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one push notification sent to live subscribers.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped uint64
	log     *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{subs: make(map[uint64]chan Event), log: log}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *Hub) Publish(eventType string, payload interface{}) {
	ev := Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&h.dropped, 1)
			h.log.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      eventType,
			}).Debug("Dropped event for slow subscriber")
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
