package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) Create(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || existing.ServiceNumber == u.ServiceNumber {
			return ErrDuplicateIdentity
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetByServiceNumber(_ context.Context, serviceNumber string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ServiceNumber == serviceNumber {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]User, error) {
	return s.filter(func(u User) bool { return u.Status == status }), nil
}

func (s *MemoryStore) ListApprovers(_ context.Context, office string) ([]User, error) {
	return s.filter(func(u User) bool {
		return u.Role == RoleSubadmin && u.Status == StatusApproved && u.AssignedOffice == office
	}), nil
}

func (s *MemoryStore) filter(keep func(User) bool) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0)
	for _, u := range s.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, from, to Status, at time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	if u.Status != from {
		return User{}, ErrInvalidState
	}
	u.Status = to
	u.UpdatedAt = at
	s.users[id] = u
	return u, nil
}

func (s *MemoryStore) SetRefreshTokenHash(_ context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.RefreshTokenHash = hash
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

func (s *MemoryStore) RotateRefreshTokenHash(_ context.Context, id, oldHash, newHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if oldHash == "" || u.RefreshTokenHash != oldHash {
		return ErrInvalidToken
	}
	u.RefreshTokenHash = newHash
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

func (s *MemoryStore) UpdateProfile(_ context.Context, id, fullName, email string, at time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	for otherID, other := range s.users {
		if otherID != id && strings.EqualFold(other.Email, email) {
			return User{}, ErrDuplicateIdentity
		}
	}
	u.FullName = fullName
	u.Email = email
	u.UpdatedAt = at
	s.users[id] = u
	return u, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}
