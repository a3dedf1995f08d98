package splash

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// Message is one status line.
type Message struct {
	// Source names the reporting sidecar.
	Source string `json:"source"`
	// Text is the human-readable status.
	Text string `json:"text"`
	// At is when the line was reported.
	At time.Time `json:"at"`
}

// subscriberBuffer is how many lines a slow subscriber may lag behind.
const subscriberBuffer = 64

// Hub keeps the latest line per source and fans lines out to subscribers.
// Delivery to subscribers is lossy: a full subscriber misses lines.
type Hub struct {
	// mu guards every field below.
	mu sync.RWMutex
	// latest is the last message per source.
	latest map[string]Message
	// sources keeps the order in which sources first reported.
	sources []string
	// subscribers are the live listeners keyed by subscription id.
	subscribers map[uint64]chan Message
	// nextID is the next subscription id.
	nextID uint64
	// now returns the current time.
	now func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		latest:      make(map[string]Message),
		subscribers: make(map[uint64]chan Message),
		now:         time.Now,
	}
}

// Report records a status line for source, logs it and notifies subscribers.
func (h *Hub) Report(ctx context.Context, source, text string) {
	message := Message{
		Source: source,
		Text:   text,
		At:     h.now(),
	}

	h.mu.Lock()

	if _, known := h.latest[source]; !known {
		h.sources = append(h.sources, source)
	}

	h.latest[source] = message

	for _, subscriber := range h.subscribers {
		select {
		case subscriber <- message:
		default:
		}
	}

	h.mu.Unlock()

	logger.InfoKV(ctx, text, "source", source)
}

// Latest returns the last line of every source in first-report order.
func (h *Hub) Latest() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messages := make([]Message, 0, len(h.sources))
	for _, source := range h.sources {
		messages = append(messages, h.latest[source])
	}

	return messages
}

// Subscribe returns a channel of new lines and a function ending the subscription.
// The channel is closed by the returned function.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()

			close(ch)
		})
	}
}

// Sources returns the names of every source that reported so far.
func (h *Hub) Sources() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return slices.Clone(h.sources)
}
