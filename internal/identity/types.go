package identity

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies what a user may do.
type Role string

const (
	RoleOffice     Role = "office"
	RoleSubadmin   Role = "subadmin"
	RoleSuperadmin Role = "superadmin"
)

// Status is the account approval state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus validates a status supplied by a caller.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, true
	}
	return "", false
}

var (
	ErrNotFound           = errors.New("identity: user not found")
	ErrDuplicateIdentity  = errors.New("identity: email or service number already registered")
	ErrInvalidState       = errors.New("identity: user is not in the required state")
	ErrHasHistory         = fmt.Errorf("%w: user still has visitor requests or notifications", ErrInvalidState)
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrNotApproved        = errors.New("identity: account not approved")
	ErrInvalidToken       = errors.New("identity: invalid token")
)

// User is a registered account. Office is set only for office users and
// AssignedOffice only for subadmins.
type User struct {
	ID               string    `json:"id"`
	FullName         string    `json:"full_name"`
	ServiceNumber    string    `json:"service_number"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	Role             Role      `json:"role"`
	Office           string    `json:"office,omitempty"`
	AssignedOffice   string    `json:"assigned_office,omitempty"`
	Status           Status    `json:"status"`
	RefreshTokenHash string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Approved reports whether the account may act.
func (u User) Approved() bool { return u.Status == StatusApproved }

// SignupInput carries the self-service registration profile.
type SignupInput struct {
	FullName       string `json:"full_name"`
	ServiceNumber  string `json:"service_number"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           Role   `json:"role"`
	Office         string `json:"office"`
	AssignedOffice string `json:"assigned_office"`
}

// SuperAdmin is the bootstrap account configuration.
type SuperAdmin struct {
	FullName      string
	ServiceNumber string
	Email         string
	Password      string
}
