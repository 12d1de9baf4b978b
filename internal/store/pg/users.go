package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"vms.org/internal/identity"
)

const userColumns = `id, full_name, service_number, email, password_hash, role,
	office, assigned_office, status, refresh_token_hash, created_at, updated_at`

// Users implements identity.Store.
type Users struct {
	db *sql.DB
}

var _ identity.Store = (*Users)(nil)

func (s *Users) Create(ctx context.Context, u identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, u.ID, u.FullName, u.ServiceNumber, u.Email, u.PasswordHash, string(u.Role),
		nullIfEmpty(u.Office), nullIfEmpty(u.AssignedOffice), string(u.Status),
		nullIfEmpty(u.RefreshTokenHash), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrDuplicateIdentity
		}
		return err
	}
	return nil
}

func (s *Users) Get(ctx context.Context, id string) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Users) GetByServiceNumber(ctx context.Context, serviceNumber string) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where service_number = $1`, serviceNumber)
	return scanUser(row)
}

func (s *Users) ListByStatus(ctx context.Context, status identity.Status) ([]identity.User, error) {
	return s.list(ctx, `select `+userColumns+` from users where status = $1 order by created_at asc, id asc`, string(status))
}

func (s *Users) ListApprovers(ctx context.Context, office string) ([]identity.User, error) {
	return s.list(ctx, `
		select `+userColumns+` from users
		where role = 'subadmin' and status = 'approved' and assigned_office = $1
		order by created_at asc, id asc`, office)
}

func (s *Users) list(ctx context.Context, query string, args ...any) ([]identity.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]identity.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Users) TransitionStatus(ctx context.Context, id string, from, to identity.Status, at time.Time) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		update users set status = $3, updated_at = $4
		where id = $1 and status = $2
		returning `+userColumns, id, string(from), string(to), at)
	u, err := scanUser(row)
	if errors.Is(err, identity.ErrNotFound) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return identity.User{}, getErr
		}
		return identity.User{}, identity.ErrInvalidState
	}
	return u, err
}

func (s *Users) SetRefreshTokenHash(ctx context.Context, id, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set refresh_token_hash = $2, updated_at = $3 where id = $1`,
		id, nullIfEmpty(hash), at)
	if err != nil {
		return err
	}
	return requireRow(res, identity.ErrNotFound)
}

func (s *Users) RotateRefreshTokenHash(ctx context.Context, id, oldHash, newHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set refresh_token_hash = $3, updated_at = $4
		where id = $1 and refresh_token_hash = $2
	`, id, oldHash, newHash, at)
	if err != nil {
		return err
	}
	return requireRow(res, identity.ErrInvalidToken)
}

func (s *Users) UpdateProfile(ctx context.Context, id, fullName, email string, at time.Time) (identity.User, error) {
	row := s.db.QueryRowContext(ctx, `
		update users set full_name = $2, email = $3, updated_at = $4
		where id = $1
		returning `+userColumns, id, fullName, email, at)
	u, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.User{}, identity.ErrDuplicateIdentity
		}
		return identity.User{}, err
	}
	return u, nil
}

func (s *Users) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return identity.ErrHasHistory
		}
		return err
	}
	return requireRow(res, identity.ErrNotFound)
}

func scanUser(row rowScanner) (identity.User, error) {
	var (
		u                             identity.User
		role, status                  string
		office, assigned, refreshHash sql.NullString
	)
	err := row.Scan(&u.ID, &u.FullName, &u.ServiceNumber, &u.Email, &u.PasswordHash, &role,
		&office, &assigned, &status, &refreshHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.User{}, err
	}
	u.Role = identity.Role(role)
	u.Status = identity.Status(status)
	u.Office = office.String
	u.AssignedOffice = assigned.String
	u.RefreshTokenHash = refreshHash.String
	return u, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
