package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"vms.org/internal/auth"
	"vms.org/internal/ids"
	"vms.org/internal/validation"
)

// Service implements account registration, approval and session handling.
type Service struct {
	store     Store
	tokens    *auth.Issuer
	referrers []Referrer
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (primarily for tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReferrers registers record sets that keep a user from being deleted
// while they still hold rows for that user.
func WithReferrers(r ...Referrer) ServiceOption {
	return func(s *Service) { s.referrers = append(s.referrers, r...) }
}

// NewService constructs a Service.
func NewService(store Store, tokens *auth.Issuer, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Signup registers a pending office or subadmin account.
func (s *Service) Signup(ctx context.Context, in SignupInput) (User, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.ServiceNumber = strings.TrimSpace(in.ServiceNumber)
	in.Email = normalizeEmail(in.Email)
	in.Office = strings.TrimSpace(in.Office)
	in.AssignedOffice = strings.TrimSpace(in.AssignedOffice)

	v := validation.Violations{}
	validation.Required("full_name", in.FullName, v)
	validation.Required("service_number", in.ServiceNumber, v)
	validateEmail(in.Email, v)
	validation.Required("password", in.Password, v)
	validation.Required("role", string(in.Role), v)
	validation.OneOf("role", string(in.Role), []string{string(RoleOffice), string(RoleSubadmin)}, v)
	switch in.Role {
	case RoleOffice:
		validation.Required("office", in.Office, v)
		in.AssignedOffice = ""
	case RoleSubadmin:
		validation.Required("assigned_office", in.AssignedOffice, v)
		in.Office = ""
	}
	if err := v.Err(); err != nil {
		return User{}, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	u := User{
		ID:             ids.New(),
		FullName:       in.FullName,
		ServiceNumber:  in.ServiceNumber,
		Email:          in.Email,
		PasswordHash:   hash,
		Role:           in.Role,
		Office:         in.Office,
		AssignedOffice: in.AssignedOffice,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Approve moves a pending account to approved.
func (s *Service) Approve(ctx context.Context, userID string) (User, error) {
	return s.store.TransitionStatus(ctx, userID, StatusPending, StatusApproved, s.now())
}

// Reject moves a pending account to rejected.
func (s *Service) Reject(ctx context.Context, userID string) (User, error) {
	return s.store.TransitionStatus(ctx, userID, StatusPending, StatusRejected, s.now())
}

// Authenticate verifies credentials and starts a new session. The password is
// checked before the account status so the status is not disclosed to callers
// without valid credentials.
func (s *Service) Authenticate(ctx context.Context, serviceNumber, password string) (User, auth.TokenPair, error) {
	u, err := s.store.GetByServiceNumber(ctx, strings.TrimSpace(serviceNumber))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, auth.TokenPair{}, ErrInvalidCredentials
		}
		return User{}, auth.TokenPair{}, err
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, auth.TokenPair{}, ErrInvalidCredentials
	}
	if !u.Approved() {
		return User{}, auth.TokenPair{}, ErrNotApproved
	}
	pair, err := s.tokens.Issue(u.ID)
	if err != nil {
		return User{}, auth.TokenPair{}, err
	}
	if err := s.store.SetRefreshTokenHash(ctx, u.ID, auth.HashToken(pair.RefreshToken), s.now()); err != nil {
		return User{}, auth.TokenPair{}, err
	}
	return u, pair, nil
}

// Refresh exchanges the current refresh token for a new pair. The presented
// token stops working once it has been used.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (User, auth.TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return User{}, auth.TokenPair{}, ErrInvalidToken
	}
	u, err := s.store.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, auth.TokenPair{}, ErrInvalidToken
		}
		return User{}, auth.TokenPair{}, err
	}
	if !auth.MatchesHash(u.RefreshTokenHash, refreshToken) {
		return User{}, auth.TokenPair{}, ErrInvalidToken
	}
	if !u.Approved() {
		return User{}, auth.TokenPair{}, ErrNotApproved
	}
	pair, err := s.tokens.Issue(u.ID)
	if err != nil {
		return User{}, auth.TokenPair{}, err
	}
	if err := s.store.RotateRefreshTokenHash(ctx, u.ID, u.RefreshTokenHash, auth.HashToken(pair.RefreshToken), s.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, auth.TokenPair{}, ErrInvalidToken
		}
		return User{}, auth.TokenPair{}, err
	}
	return u, pair, nil
}

// Logout invalidates the user's refresh token.
func (s *Service) Logout(ctx context.Context, userID string) error {
	return s.store.SetRefreshTokenHash(ctx, userID, "", s.now())
}

// AuthenticateToken resolves an access token to the current stored user.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (User, error) {
	claims, err := s.tokens.ParseAccess(token)
	if err != nil {
		return User{}, ErrInvalidToken
	}
	u, err := s.store.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	if !u.Approved() {
		return User{}, ErrNotApproved
	}
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	return s.store.Get(ctx, userID)
}

// ListByStatus returns users in the given status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]User, error) {
	return s.store.ListByStatus(ctx, status)
}

// ListSubadmins returns the approved subadmins assigned to office.
func (s *Service) ListSubadmins(ctx context.Context, office string) ([]User, error) {
	return s.store.ListApprovers(ctx, strings.TrimSpace(office))
}

// ApproverIDs returns the ids of the approved subadmins assigned to office.
func (s *Service) ApproverIDs(ctx context.Context, office string) ([]string, error) {
	users, err := s.ListSubadmins(ctx, office)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out, nil
}

// Delete removes an account. The superadmin account and accounts that still
// own visitor requests or notifications cannot be deleted.
func (s *Service) Delete(ctx context.Context, userID string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role == RoleSuperadmin {
		return ErrInvalidState
	}
	for _, r := range s.referrers {
		held, err := r.ReferencesUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("check history of %s: %w", userID, err)
		}
		if held {
			return ErrHasHistory
		}
	}
	return s.store.Delete(ctx, userID)
}

// UpdateProfile changes the user's full name and email.
func (s *Service) UpdateProfile(ctx context.Context, userID, fullName, email string) (User, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeEmail(email)
	v := validation.Violations{}
	validation.Required("full_name", fullName, v)
	validateEmail(email, v)
	if err := v.Err(); err != nil {
		return User{}, err
	}
	return s.store.UpdateProfile(ctx, userID, fullName, email, s.now())
}

// EnsureSuperAdmin creates the approved superadmin account when no user holds
// its service number. It reports whether an account was created.
func (s *Service) EnsureSuperAdmin(ctx context.Context, cfg SuperAdmin) (User, bool, error) {
	cfg.ServiceNumber = strings.TrimSpace(cfg.ServiceNumber)
	if cfg.ServiceNumber == "" || cfg.Password == "" {
		return User{}, false, errors.New("superadmin service number and password are required")
	}
	existing, err := s.store.GetByServiceNumber(ctx, cfg.ServiceNumber)
	if err == nil {
		if existing.Role != RoleSuperadmin {
			return User{}, false, fmt.Errorf("service number %s belongs to a %s account", cfg.ServiceNumber, existing.Role)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}

	hash, err := auth.HashPassword(cfg.Password)
	if err != nil {
		return User{}, false, fmt.Errorf("hash password: %w", err)
	}
	fullName := strings.TrimSpace(cfg.FullName)
	if fullName == "" {
		fullName = "Super Admin"
	}
	email := normalizeEmail(cfg.Email)
	if email == "" {
		email = strings.ToLower(cfg.ServiceNumber) + "@superadmin.local"
	}
	now := s.now()
	u := User{
		ID:            ids.New(),
		FullName:      fullName,
		ServiceNumber: cfg.ServiceNumber,
		Email:         email,
		PasswordHash:  hash,
		Role:          RoleSuperadmin,
		Status:        StatusApproved,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string, v validation.Violations) {
	validation.Required("email", email, v)
	if email == "" {
		return
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		v.Add("email", "is malformed")
	}
}
