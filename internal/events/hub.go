package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the gateway.
const (
	TypeRateLimited   = "RATE_LIMITED"
	TypeBreakerChange = "BREAKER_STATE_CHANGED"
	TypeDegraded      = "SEARCH_DEGRADED"
	TypeCacheHit      = "CACHE_HIT"
	TypeItemArchived  = "ITEM_ARCHIVED"
	TypeKeysReloaded  = "KEYS_RELOADED"
)

type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

const subscriberBuffer = 64

// Hub fans gateway events out to subscribers (the websocket stream).
// Publishing never blocks: a subscriber that cannot keep up loses events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		logger:      logger,
	}
}

func (h *Hub) Publish(eventType, message string, details map[string]string) {
	event := Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Message:   message,
		Details:   details,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
