package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	h.Publish(TypeCacheHit, "served from cache", map[string]string{"mode": "keyword"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, TypeCacheHit, ev.Type)
		assert.Equal(t, "served from cache", ev.Message)
		assert.Equal(t, "keyword", ev.Details["mode"])
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch, cancel := h.Subscribe()
	require.Equal(t, 1, h.SubscriberCount())

	cancel()
	assert.Equal(t, 0, h.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub(zap.NewNop())

	_, cancel := h.Subscribe()
	defer cancel()

	// A subscriber that never reads drops events past its buffer instead of
	// stalling the publisher.
	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish(TypeDegraded, "overflow", nil)
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Publish(TypeRateLimited, "nobody listening", nil)
}
