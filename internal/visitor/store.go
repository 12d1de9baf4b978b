package visitor

import (
	"context"
	"time"
)

// Store persists visitor requests. Status changes and deletions must be
// conditional on the request still being pending so concurrent callers race safely.
type Store interface {
	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (Request, error)
	// ListByRequester returns the requester's requests ordered by created_at desc, id desc.
	ListByRequester(ctx context.Context, requesterID string) ([]Request, error)
	// ListByOffice returns requests addressed to office, newest first. An empty
	// status matches every status.
	ListByOffice(ctx context.Context, office string, status Status) ([]Request, error)
	// DeletePending removes a pending request owned by requesterID.
	DeletePending(ctx context.Context, id, requesterID string) error
	// TransitionStatus moves a pending request to a terminal status.
	TransitionStatus(ctx context.Context, id string, to Status, actorID string, at time.Time) (Request, error)
	// CountByVisitDate counts the requester's requests per visit date within
	// [from, to], ascending by date. An empty to leaves the range open.
	CountByVisitDate(ctx context.Context, requesterID, from, to string) ([]DayCount, error)
	// ReferencesUser reports whether userID owns any request.
	ReferencesUser(ctx context.Context, userID string) (bool, error)
}
