package pg

import (
	"context"
	"database/sql"
	"errors"

	"vms.org/internal/notify"
)

const notificationColumns = `id, recipient_id, message, type, read, visitor_request_id, created_at`

// Notifications implements notify.Store.
type Notifications struct {
	db *sql.DB
}

var _ notify.Store = (*Notifications)(nil)

func (s *Notifications) Create(ctx context.Context, n notify.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		insert into notifications(`+notificationColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, n.ID, n.RecipientID, n.Message, string(n.Type), n.Read, nullIfEmpty(n.VisitorRequestID), n.CreatedAt)
	return err
}

func (s *Notifications) Get(ctx context.Context, id string) (notify.Notification, error) {
	row := s.db.QueryRowContext(ctx, `select `+notificationColumns+` from notifications where id = $1`, id)
	return scanNotification(row)
}

func (s *Notifications) ListByRecipient(ctx context.Context, recipientID string) ([]notify.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+notificationColumns+` from notifications
		where recipient_id = $1
		order by created_at desc, id desc`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]notify.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Notifications) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update notifications set read = true where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, notify.ErrNotFound)
}

func (s *Notifications) MarkAllRead(ctx context.Context, recipientID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `update notifications set read = true where recipient_id = $1 and not read`, recipientID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Notifications) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from notifications where recipient_id = $1 and not read`, recipientID).Scan(&n)
	return n, err
}

func scanNotification(row rowScanner) (notify.Notification, error) {
	var (
		n         notify.Notification
		typ       string
		requestID sql.NullString
	)
	err := row.Scan(&n.ID, &n.RecipientID, &n.Message, &typ, &n.Read, &requestID, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notify.ErrNotFound
	}
	if err != nil {
		return notify.Notification{}, err
	}
	n.Type = notify.Type(typ)
	n.VisitorRequestID = requestID.String
	return n, nil
}

func (s *Notifications) ReferencesUser(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from notifications where recipient_id = $1)`, userID).Scan(&exists)
	return exists, err
}
