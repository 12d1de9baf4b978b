package visitor

import (
	"context"
	"strings"
	"time"

	"vms.org/internal/ids"
)

const (
	dailyWindowDays    = 30
	monthlyWindowMonth = 12
)

// Service owns the visitor request records.
type Service struct {
	store Store
	now   func() time.Time
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

// NewService constructs a Service.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates details and stores a new pending request.
func (s *Service) Create(ctx context.Context, requesterID string, d Details) (Request, error) {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return Request{}, err
	}
	now := s.now()
	r := Request{
		ID:                 ids.New(),
		RequesterID:        requesterID,
		MainVisitor:        d.MainVisitor,
		PhotoURL:           d.PhotoURL,
		AdditionalVisitors: d.AdditionalVisitors,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.store.Get(ctx, id)
}

// ListByRequester returns the requester's requests, newest first.
func (s *Service) ListByRequester(ctx context.Context, requesterID string) ([]Request, error) {
	return s.store.ListByRequester(ctx, requesterID)
}

// ListByOffice returns the requests addressed to office, optionally filtered by status.
func (s *Service) ListByOffice(ctx context.Context, office string, status Status) ([]Request, error) {
	return s.store.ListByOffice(ctx, strings.TrimSpace(office), status)
}

// Cancel deletes a pending request owned by requesterID.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) error {
	return s.store.DeletePending(ctx, id, requesterID)
}

// SetStatus moves a pending request to approved or rejected.
func (s *Service) SetStatus(ctx context.Context, id string, newStatus Status, actorID string) (Request, error) {
	if !newStatus.Terminal() {
		if _, err := s.store.Get(ctx, id); err != nil {
			return Request{}, err
		}
		return Request{}, ErrInvalidTransition
	}
	return s.store.TransitionStatus(ctx, id, newStatus, actorID, s.now())
}

// Stats counts the requester's visits per day over the last 30 days and per
// month over the last 12 months, both keyed by visit date. Buckets without
// visits are omitted.
func (s *Service) Stats(ctx context.Context, requesterID string, now time.Time) (Stats, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	daily, err := s.store.CountByVisitDate(ctx, requesterID,
		today.AddDate(0, 0, -dailyWindowDays).Format(DateLayout), today.Format(DateLayout))
	if err != nil {
		return Stats{}, err
	}

	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -monthlyWindowMonth, 0)
	perDay, err := s.store.CountByVisitDate(ctx, requesterID, monthStart.Format(DateLayout), "")
	if err != nil {
		return Stats{}, err
	}
	monthly := make([]MonthCount, 0)
	for _, dc := range perDay {
		if len(dc.Date) < 7 {
			continue
		}
		month, err := time.Parse("2006-01", dc.Date[:7])
		if err != nil {
			continue
		}
		label := month.Format("January 2006")
		if n := len(monthly); n > 0 && monthly[n-1].Month == label {
			monthly[n-1].Count += dc.Count
			continue
		}
		monthly = append(monthly, MonthCount{Month: label, Count: dc.Count})
	}
	if daily == nil {
		daily = []DayCount{}
	}
	return Stats{Daily: daily, Monthly: monthly}, nil
}
