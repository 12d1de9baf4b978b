package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestPushIsTargeted(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := hub.Subscribe(ctx, "alice")
	aliceTab := hub.Subscribe(ctx, "alice")
	bob := hub.Subscribe(ctx, "bob")

	if err := hub.Push(ctx, "alice", "notification", map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	for _, ch := range []<-chan Message{alice, aliceTab} {
		m := receive(t, ch)
		if m.Event != "notification" || string(m.Data) != `{"message":"hi"}` {
			t.Fatalf("unexpected message: %+v", m)
		}
	}
	select {
	case m := <-bob:
		t.Fatalf("bob received alice's message: %+v", m)
	default:
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx, "alice")
	if hub.Subscribers("alice") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := hub.Publish("alice", Message{Event: "x"}); n != 0 {
		t.Fatalf("delivered to closed subscriber: %d", n)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = hub.Subscribe(ctx, "alice")
	delivered := 0
	for i := 0; i < subscriberBuffer+5; i++ {
		delivered += hub.Publish("alice", Message{Event: "x"})
	}
	if delivered != subscriberBuffer {
		t.Fatalf("delivered %d, want %d", delivered, subscriberBuffer)
	}
}

func TestPushHonoursCancelledContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hub.Push(ctx, "alice", "x", 1); err == nil {
		t.Fatal("expected context error")
	}
}

func TestEnvelopeRelaysToHub(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx, "alice")
	bridge := NewRedisBridge(nil, "", hub)
	if bridge.channel != DefaultChannel {
		t.Fatalf("unexpected default channel %q", bridge.channel)
	}

	raw, err := encodeEnvelope("alice", "notification", map[string]any{"id": "n1"})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	bridge.relay(string(raw))

	m := receive(t, ch)
	var body map[string]string
	if err := json.Unmarshal(m.Data, &body); err != nil || body["id"] != "n1" {
		t.Fatalf("unexpected relayed data %s (%v)", m.Data, err)
	}
}

func TestDecodeEnvelopeRejectsIncomplete(t *testing.T) {
	for _, raw := range []string{`not json`, `{"event":"x"}`, `{"recipient_id":"a"}`} {
		if _, _, err := decodeEnvelope([]byte(raw)); err == nil {
			t.Fatalf("decodeEnvelope(%s) succeeded", raw)
		}
	}
}
