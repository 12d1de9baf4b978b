package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const subscriberBuffer = 16

// Message is one live event delivered to a subscriber.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans messages out to the open live channels of a single recipient.
// Messages are never broadcast to other recipients.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Message
	next int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Message)}
}

// Subscribe registers a live channel for recipientID. The channel is closed
// when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, recipientID string) <-chan Message {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[recipientID] == nil {
		h.subs[recipientID] = make(map[int]chan Message)
	}
	h.subs[recipientID][id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[recipientID], id)
		if len(h.subs[recipientID]) == 0 {
			delete(h.subs, recipientID)
		}
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers msg to every channel of recipientID and returns how many
// accepted it. Slow subscribers with a full buffer miss the message.
func (h *Hub) Publish(recipientID string, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs[recipientID] {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of open channels for recipientID.
func (h *Hub) Subscribers(recipientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[recipientID])
}

// Push encodes payload and publishes it to the local subscribers of recipientID.
func (h *Hub) Push(ctx context.Context, recipientID, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	h.Publish(recipientID, Message{Event: event, Data: data})
	return nil
}
