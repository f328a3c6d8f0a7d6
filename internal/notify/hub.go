package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub is an in-process pub/sub fabric used when no Redis is configured and in tests.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSub]struct{}
	buffer int
	log    zerolog.Logger
}

type hubSub struct {
	ch chan Message
}

// NewHub returns an empty hub. Each subscriber gets a buffer of the given size; slow
// subscribers miss messages instead of blocking publishers.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*hubSub]struct{}),
		buffer: buffer,
		log:    log.With().Str("component", "hub").Logger(),
	}
}

// Publish fans payload out to every subscriber of topic.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
			h.log.Warn().Str("topic", topic).Msg("subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Subscribe registers for topics until ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	sub := &hubSub{ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	for _, t := range topics {
		if h.subs[t] == nil {
			h.subs[t] = make(map[*hubSub]struct{})
		}
		h.subs[t][sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		for _, t := range topics {
			delete(h.subs[t], sub)
			if len(h.subs[t]) == 0 {
				delete(h.subs, t)
			}
		}
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
