package identity

import (
	"context"
	"time"
)

// Store persists users. Implementations must enforce uniqueness of email and
// service number, and make status and refresh-token changes conditional.
type Store interface {
	Create(ctx context.Context, u User) error
	Get(ctx context.Context, id string) (User, error)
	GetByServiceNumber(ctx context.Context, serviceNumber string) (User, error)
	ListByStatus(ctx context.Context, status Status) ([]User, error)
	// ListApprovers returns approved subadmins assigned to office.
	ListApprovers(ctx context.Context, office string) ([]User, error)
	// TransitionStatus moves a user from one status to another, failing with
	// ErrInvalidState when the current status is not from.
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) (User, error)
	SetRefreshTokenHash(ctx context.Context, id, hash string, at time.Time) error
	// RotateRefreshTokenHash replaces oldHash with newHash, failing with
	// ErrInvalidToken when oldHash is no longer current.
	RotateRefreshTokenHash(ctx context.Context, id, oldHash, newHash string, at time.Time) error
	UpdateProfile(ctx context.Context, id, fullName, email string, at time.Time) (User, error)
	// Delete removes the user, failing with ErrHasHistory when other records
	// still reference it.
	Delete(ctx context.Context, id string) error
}

// Referrer reports whether a record set still holds rows for a user.
type Referrer interface {
	ReferencesUser(ctx context.Context, userID string) (bool, error)
}
