// Package events defines the workflow events emitted after a visitor request
// is created or decided.
package events

import (
	"context"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindNewRequest Kind = "NEW_REQUEST"
	KindDecision   Kind = "DECISION"
)

// Routing keys used on the event exchange.
const (
	RKRequestCreated = "visitor.request.created"
	RKRequestDecided = "visitor.request.decided"
)

// Event carries enough data for every consumer to act without re-reading the store.
type Event struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	RequestID       string    `json:"request_id"`
	RequesterID     string    `json:"requester_id"`
	RequesterOffice string    `json:"requester_office,omitempty"`
	OfficeOfVisit   string    `json:"office_of_visit"`
	VisitorName     string    `json:"visitor_name"`
	Decision        string    `json:"decision,omitempty"`
	ActorID         string    `json:"actor_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// RoutingKey maps the event kind to its exchange routing key.
func (e Event) RoutingKey() string {
	if e.Kind == KindDecision {
		return RKRequestDecided
	}
	return RKRequestCreated
}

// Sink consumes workflow events.
type Sink interface {
	Handle(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }
