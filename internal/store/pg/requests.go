package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vms.org/internal/visitor"
)

const requestColumns = `id, requester_id, main_visitor, photo_url, additional_visitors,
	status, decided_by, created_at, updated_at`

// Requests implements visitor.Store. The main visitor is stored as a jsonb
// document and queried through its office_of_visit and visit_date keys.
type Requests struct {
	db *sql.DB
}

var _ visitor.Store = (*Requests)(nil)

func (s *Requests) Create(ctx context.Context, r visitor.Request) error {
	mainVisitor, err := json.Marshal(r.MainVisitor)
	if err != nil {
		return fmt.Errorf("encode main visitor: %w", err)
	}
	extra := r.AdditionalVisitors
	if extra == nil {
		extra = []string{}
	}
	additional, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode additional visitors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into visitor_requests(`+requestColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.RequesterID, string(mainVisitor), nullIfEmpty(r.PhotoURL), string(additional),
		string(r.Status), nullIfEmpty(r.DecidedBy), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *Requests) Get(ctx context.Context, id string) (visitor.Request, error) {
	row := s.db.QueryRowContext(ctx, `select `+requestColumns+` from visitor_requests where id = $1`, id)
	return scanRequest(row)
}

func (s *Requests) ListByRequester(ctx context.Context, requesterID string) ([]visitor.Request, error) {
	return s.list(ctx, `
		select `+requestColumns+` from visitor_requests
		where requester_id = $1
		order by created_at desc, id desc`, requesterID)
}

func (s *Requests) ListByOffice(ctx context.Context, office string, status visitor.Status) ([]visitor.Request, error) {
	return s.list(ctx, `
		select `+requestColumns+` from visitor_requests
		where main_visitor->>'office_of_visit' = $1 and ($2 = '' or status = $2)
		order by created_at desc, id desc`, office, string(status))
}

func (s *Requests) list(ctx context.Context, query string, args ...any) ([]visitor.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]visitor.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Requests) DeletePending(ctx context.Context, id, requesterID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from visitor_requests
		where id = $1 and requester_id = $2 and status = 'pending'
	`, id, requesterID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var owner, status string
	err = s.db.QueryRowContext(ctx, `select requester_id, status from visitor_requests where id = $1`, id).Scan(&owner, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return visitor.ErrNotFound
	case err != nil:
		return err
	case owner != requesterID:
		return visitor.ErrForbidden
	default:
		return visitor.ErrInvalidTransition
	}
}

func (s *Requests) TransitionStatus(ctx context.Context, id string, to visitor.Status, actorID string, at time.Time) (visitor.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		update visitor_requests set status = $2, decided_by = $3, updated_at = $4
		where id = $1 and status = 'pending'
		returning `+requestColumns, id, string(to), nullIfEmpty(actorID), at)
	r, err := scanRequest(row)
	if errors.Is(err, visitor.ErrNotFound) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return visitor.Request{}, getErr
		}
		return visitor.Request{}, visitor.ErrInvalidTransition
	}
	return r, err
}

func (s *Requests) CountByVisitDate(ctx context.Context, requesterID, from, to string) ([]visitor.DayCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select main_visitor->>'visit_date' as visit_date, count(*)
		from visitor_requests
		where requester_id = $1
		  and main_visitor->>'visit_date' >= $2
		  and ($3 = '' or main_visitor->>'visit_date' <= $3)
		group by visit_date
		order by visit_date asc`, requesterID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]visitor.DayCount, 0)
	for rows.Next() {
		var dc visitor.DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func scanRequest(row rowScanner) (visitor.Request, error) {
	var (
		r                   visitor.Request
		mainVisitor, extra  []byte
		photoURL, decidedBy sql.NullString
		status              string
	)
	err := row.Scan(&r.ID, &r.RequesterID, &mainVisitor, &photoURL, &extra,
		&status, &decidedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return visitor.Request{}, visitor.ErrNotFound
	}
	if err != nil {
		return visitor.Request{}, err
	}
	if err := json.Unmarshal(mainVisitor, &r.MainVisitor); err != nil {
		return visitor.Request{}, fmt.Errorf("decode main visitor: %w", err)
	}
	r.AdditionalVisitors = []string{}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &r.AdditionalVisitors); err != nil {
			return visitor.Request{}, fmt.Errorf("decode additional visitors: %w", err)
		}
	}
	r.Status = visitor.Status(status)
	r.PhotoURL = photoURL.String
	r.DecidedBy = decidedBy.String
	return r, nil
}

func (s *Requests) ReferencesUser(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from visitor_requests where requester_id = $1)`, userID).Scan(&exists)
	return exists, err
}
