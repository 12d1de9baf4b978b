package visitor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]Request)}
}

func (s *MemoryStore) Create(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = clone(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]Request, error) {
	return s.filter(func(r Request) bool { return r.RequesterID == requesterID }), nil
}

func (s *MemoryStore) ListByOffice(_ context.Context, office string, status Status) ([]Request, error) {
	return s.filter(func(r Request) bool {
		return r.MainVisitor.OfficeOfVisit == office && (status == "" || r.Status == status)
	}), nil
}

func (s *MemoryStore) filter(keep func(Request) bool) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Request, 0)
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, clone(r))
		}
	}
	sortNewestFirst(out)
	return out
}

func (s *MemoryStore) DeletePending(_ context.Context, id, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.RequesterID != requesterID {
		return ErrForbidden
	}
	if r.Status != StatusPending {
		return ErrInvalidTransition
	}
	delete(s.requests, id)
	return nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id string, to Status, actorID string, at time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return Request{}, ErrInvalidTransition
	}
	r.Status = to
	r.DecidedBy = actorID
	r.UpdatedAt = at
	s.requests[id] = r
	return clone(r), nil
}

func (s *MemoryStore) CountByVisitDate(_ context.Context, requesterID, from, to string) ([]DayCount, error) {
	s.mu.RLock()
	counts := make(map[string]int)
	for _, r := range s.requests {
		d := r.MainVisitor.VisitDate
		if r.RequesterID != requesterID || d < from || (to != "" && d > to) {
			continue
		}
		counts[d]++
	}
	s.mu.RUnlock()

	out := make([]DayCount, 0, len(counts))
	for d, c := range counts {
		out = append(out, DayCount{Date: d, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *MemoryStore) ReferencesUser(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.RequesterID == userID {
			return true, nil
		}
	}
	return false, nil
}

func sortNewestFirst(rs []Request) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID > rs[j].ID
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}

func clone(r Request) Request {
	if r.AdditionalVisitors != nil {
		r.AdditionalVisitors = append([]string(nil), r.AdditionalVisitors...)
	}
	return r
}
