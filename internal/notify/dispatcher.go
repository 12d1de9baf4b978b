package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vms.org/internal/events"
	"vms.org/internal/ids"
	"vms.org/internal/obs"
)

const (
	defaultPushTimeout  = 2 * time.Second
	defaultStoreTimeout = 5 * time.Second
)

// Dispatcher turns workflow events into persisted notifications and pushes
// them to the recipients' live channels.
type Dispatcher struct {
	store        Store
	directory    Directory
	pusher       Pusher
	pushTimeout  time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithPusher enables live push after persistence.
func WithPusher(p Pusher) DispatcherOption {
	return func(d *Dispatcher) { d.pusher = p }
}

// WithPushTimeout bounds each live push.
func WithPushTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.pushTimeout = timeout
		}
	}
}

// WithStoreTimeout bounds persistence of one event's notifications. The
// caller's deadline does not shorten it.
func WithStoreTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.storeTimeout = timeout
		}
	}
}

// WithClock overrides the time source (primarily for tests).
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, directory Directory, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		directory:    directory,
		pushTimeout:  defaultPushTimeout,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle implements events.Sink.
func (d *Dispatcher) Handle(ctx context.Context, e events.Event) error {
	return d.OnEvent(ctx, e)
}

// OnEvent persists one notification per recipient, then pushes each persisted
// notification. Persistence is bounded by the store timeout, not by ctx.
// Push failures never undo persistence and are not returned.
func (d *Dispatcher) OnEvent(ctx context.Context, e events.Event) error {
	batch, err := d.compose(ctx, e)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	defer cancel()
	var (
		errs      []error
		persisted = make([]Notification, 0, len(batch))
	)
	for _, n := range batch {
		if err := d.store.Create(storeCtx, n); err != nil {
			errs = append(errs, fmt.Errorf("persist notification for %s: %w", n.RecipientID, err))
			continue
		}
		obs.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
		persisted = append(persisted, n)
	}

	for i, n := range persisted {
		d.push(ctx, n, len(persisted)-i)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) compose(ctx context.Context, e events.Event) ([]Notification, error) {
	switch e.Kind {
	case events.KindNewRequest:
		recipients, err := d.directory.ApproverIDs(ctx, e.OfficeOfVisit)
		if err != nil {
			return nil, fmt.Errorf("resolve approvers for %s: %w", e.OfficeOfVisit, err)
		}
		msg := fmt.Sprintf("New visitor request for %s awaiting review", e.VisitorName)
		out := make([]Notification, 0, len(recipients))
		for _, id := range recipients {
			out = append(out, d.newNotification(id, msg, TypeInfo, e.RequestID))
		}
		return out, nil
	case events.KindDecision:
		typ := TypeWarning
		if e.Decision == "approved" {
			typ = TypeSuccess
		}
		msg := fmt.Sprintf("Your visitor request for %s has been %s", e.VisitorName, e.Decision)
		return []Notification{d.newNotification(e.RequesterID, msg, typ, e.RequestID)}, nil
	default:
		return nil, fmt.Errorf("unsupported event kind %q", e.Kind)
	}
}

func (d *Dispatcher) newNotification(recipientID, msg string, typ Type, requestID string) Notification {
	return Notification{
		ID:               ids.New(),
		RecipientID:      recipientID,
		Message:          msg,
		Type:             typ,
		VisitorRequestID: requestID,
		CreatedAt:        d.now(),
	}
}

// push delivers n within pushTimeout or an equal share of what is left of
// ctx's deadline across the remaining pushes, whichever is shorter.
func (d *Dispatcher) push(ctx context.Context, n Notification, remaining int) {
	if d.pusher == nil {
		return
	}
	timeout := d.pushTimeout
	if deadline, ok := ctx.Deadline(); ok && remaining > 0 {
		if share := time.Until(deadline) / time.Duration(remaining); share < timeout {
			timeout = share
		}
	}
	pushCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := d.pusher.Push(pushCtx, n.RecipientID, PushEvent, n); err != nil {
		obs.LivePush.WithLabelValues("failed").Inc()
		obs.Warn("live push failed", map[string]any{
			"notification_id": n.ID,
			"recipient_id":    n.RecipientID,
			"error":           err,
		})
		return
	}
	obs.LivePush.WithLabelValues("ok").Inc()
}

// ListFor returns the user's notifications, newest first.
func (d *Dispatcher) ListFor(ctx context.Context, userID string) ([]Notification, error) {
	return d.store.ListByRecipient(ctx, userID)
}

// MarkRead marks one of the user's notifications as read.
func (d *Dispatcher) MarkRead(ctx context.Context, notificationID, userID string) (Notification, error) {
	n, err := d.store.Get(ctx, notificationID)
	if err != nil {
		return Notification{}, err
	}
	if n.RecipientID != userID {
		return Notification{}, ErrForbidden
	}
	if n.Read {
		return n, nil
	}
	if err := d.store.MarkRead(ctx, notificationID); err != nil {
		return Notification{}, err
	}
	n.Read = true
	return n, nil
}

// MarkAllRead marks every unread notification of the user as read and reports how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return d.store.MarkAllRead(ctx, userID)
}

// UnreadCount returns the number of unread notifications for the user.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	return d.store.CountUnread(ctx, userID)
}
