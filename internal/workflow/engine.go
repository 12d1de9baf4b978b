// Package workflow drives the visitor request lifecycle: who may submit,
// decide or cancel a request, and which events follow a committed change.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"vms.org/internal/events"
	"vms.org/internal/identity"
	"vms.org/internal/ids"
	"vms.org/internal/obs"
	"vms.org/internal/visitor"
)

const defaultEmitTimeout = 2 * time.Second

// ErrForbidden is returned when the acting user may not perform the operation.
var ErrForbidden = errors.New("workflow: action not permitted")

// Users resolves the current state of an account.
type Users interface {
	Get(ctx context.Context, id string) (identity.User, error)
}

// Requests is the visitor request store used by the engine.
type Requests interface {
	Create(ctx context.Context, requesterID string, d visitor.Details) (visitor.Request, error)
	Get(ctx context.Context, id string) (visitor.Request, error)
	Cancel(ctx context.Context, id, requesterID string) error
	SetStatus(ctx context.Context, id string, newStatus visitor.Status, actorID string) (visitor.Request, error)
}

type namedSink struct {
	name string
	sink events.Sink
}

// Engine coordinates request transitions and event emission.
type Engine struct {
	users       Users
	requests    Requests
	sinks       []namedSink
	emitTimeout time.Duration
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink registers a consumer for emitted events.
func WithSink(name string, s events.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, namedSink{name: name, sink: s})
		}
	}
}

// WithEmitTimeout bounds how long event delivery may hold a caller.
func WithEmitTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.emitTimeout = timeout
		}
	}
}

// WithClock overrides the time source (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine.
func New(users Users, requests Requests, opts ...Option) *Engine {
	e := &Engine{
		users:       users,
		requests:    requests,
		emitTimeout: defaultEmitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a pending request on behalf of an approved office user.
func (e *Engine) Submit(ctx context.Context, requesterID string, d visitor.Details) (visitor.Request, error) {
	requester, err := e.actor(ctx, requesterID)
	if err != nil {
		return visitor.Request{}, err
	}
	if requester.Role != identity.RoleOffice {
		return visitor.Request{}, ErrForbidden
	}
	req, err := e.requests.Create(ctx, requesterID, d)
	if err != nil {
		return visitor.Request{}, err
	}
	obs.RequestsSubmitted.Inc()
	e.emit(ctx, events.Event{
		ID:              ids.New(),
		Kind:            events.KindNewRequest,
		RequestID:       req.ID,
		RequesterID:     req.RequesterID,
		RequesterOffice: requester.Office,
		OfficeOfVisit:   req.MainVisitor.OfficeOfVisit,
		VisitorName:     req.MainVisitor.Name,
		OccurredAt:      e.now(),
	})
	return req, nil
}

// Decide approves or rejects a pending request. Repeating a decision that
// already took effect returns the request without emitting a second event.
func (e *Engine) Decide(ctx context.Context, requestID, actorID string, decision visitor.Status) (visitor.Request, error) {
	actor, err := e.actor(ctx, actorID)
	if err != nil {
		return visitor.Request{}, err
	}
	if actor.Role != identity.RoleSuperadmin && actor.Role != identity.RoleSubadmin {
		return visitor.Request{}, ErrForbidden
	}
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return visitor.Request{}, err
	}
	if actor.Role == identity.RoleSubadmin && actor.AssignedOffice != req.MainVisitor.OfficeOfVisit {
		return visitor.Request{}, ErrForbidden
	}
	if decision.Terminal() && req.Status == decision {
		return req, nil
	}

	updated, err := e.requests.SetStatus(ctx, requestID, decision, actorID)
	if err != nil {
		if errors.Is(err, visitor.ErrInvalidTransition) && decision.Terminal() {
			if current, getErr := e.requests.Get(ctx, requestID); getErr == nil && current.Status == decision {
				return current, nil
			}
		}
		return visitor.Request{}, err
	}
	obs.Decisions.WithLabelValues(string(decision)).Inc()
	e.emit(ctx, events.Event{
		ID:            ids.New(),
		Kind:          events.KindDecision,
		RequestID:     updated.ID,
		RequesterID:   updated.RequesterID,
		OfficeOfVisit: updated.MainVisitor.OfficeOfVisit,
		VisitorName:   updated.MainVisitor.Name,
		Decision:      string(updated.Status),
		ActorID:       actorID,
		OccurredAt:    e.now(),
	})
	return updated, nil
}

// Cancel deletes a pending request owned by requesterID.
func (e *Engine) Cancel(ctx context.Context, requestID, requesterID string) error {
	return e.requests.Cancel(ctx, requestID, requesterID)
}

func (e *Engine) actor(ctx context.Context, userID string) (identity.User, error) {
	u, err := e.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identity.User{}, ErrForbidden
		}
		return identity.User{}, err
	}
	if !u.Approved() {
		return identity.User{}, ErrForbidden
	}
	return u, nil
}

// emit delivers ev to every sink concurrently and waits at most emitTimeout.
// The transition is already committed, so failures are only logged and counted.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if len(e.sinks) == 0 {
		return
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.emitTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range e.sinks {
		wg.Add(1)
		go func(s namedSink) {
			defer wg.Done()
			if err := s.sink.Handle(emitCtx, ev); err != nil {
				obs.EventPublishFailures.WithLabelValues(s.name).Inc()
				obs.Error("event delivery failed", map[string]any{
					"sink":       s.name,
					"event_id":   ev.ID,
					"kind":       string(ev.Kind),
					"request_id": ev.RequestID,
					"error":      err,
				})
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-emitCtx.Done():
		obs.Warn("event delivery timed out", map[string]any{
			"event_id":   ev.ID,
			"kind":       string(ev.Kind),
			"request_id": ev.RequestID,
		})
	}
}
