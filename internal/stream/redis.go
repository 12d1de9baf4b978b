package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"vms.org/internal/obs"
)

// DefaultChannel is the pub/sub channel shared by every API instance.
const DefaultChannel = "vms:live"

type envelope struct {
	RecipientID string          `json:"recipient_id"`
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
}

// RedisBridge publishes live messages through redis so that the instance
// holding a recipient's connection can deliver them. Every instance runs the
// bridge and relays what it receives into its local hub.
type RedisBridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

// NewRedisBridge constructs a bridge over an already connected client.
func NewRedisBridge(client *redis.Client, channel string, hub *Hub) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{client: client, channel: channel, hub: hub}
}

// Push publishes payload for recipientID on the shared channel.
func (b *RedisBridge) Push(ctx context.Context, recipientID, event string, payload any) error {
	data, err := encodeEnvelope(recipientID, event, payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run relays messages from the shared channel into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			b.relay(msg.Payload)
		}
	}
}

func (b *RedisBridge) relay(payload string) {
	recipientID, m, err := decodeEnvelope([]byte(payload))
	if err != nil {
		obs.Warn("live message dropped", map[string]any{"error": err, "channel": b.channel})
		return
	}
	b.hub.Publish(recipientID, m)
}

func encodeEnvelope(recipientID, event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(envelope{RecipientID: recipientID, Event: event, Data: data})
}

func decodeEnvelope(raw []byte) (string, Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RecipientID == "" || env.Event == "" {
		return "", Message{}, errors.New("envelope missing recipient or event")
	}
	return env.RecipientID, Message{Event: env.Event, Data: env.Data}, nil
}
