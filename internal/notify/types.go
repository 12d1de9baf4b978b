package notify

import (
	"context"
	"errors"
	"time"
)

// Type classifies a notification for presentation.
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// PushEvent is the live channel event name used for notifications.
const PushEvent = "notification"

var (
	ErrNotFound  = errors.New("notify: notification not found")
	ErrForbidden = errors.New("notify: notification belongs to another user")
)

// Notification is a persisted message for one recipient. Only Read changes after creation.
type Notification struct {
	ID               string    `json:"id"`
	RecipientID      string    `json:"recipient_id"`
	Message          string    `json:"message"`
	Type             Type      `json:"type"`
	Read             bool      `json:"read"`
	VisitorRequestID string    `json:"visitor_request_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n Notification) error
	Get(ctx context.Context, id string) (Notification, error)
	// ListByRecipient returns notifications ordered by created_at desc, id desc.
	ListByRecipient(ctx context.Context, recipientID string) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, recipientID string) (int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	// ReferencesUser reports whether userID has any notification.
	ReferencesUser(ctx context.Context, userID string) (bool, error)
}

// Directory resolves who approves requests for an office.
type Directory interface {
	ApproverIDs(ctx context.Context, office string) ([]string, error)
}

// Pusher delivers a payload to a recipient's open live channels.
type Pusher interface {
	Push(ctx context.Context, recipientID, event string, payload any) error
}
