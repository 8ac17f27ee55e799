package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/braybrandon/rbacauth"
)

// ErrDuplicateEmail is returned by Users.Create when the email is taken.
var ErrDuplicateEmail = errors.New("pgstore: email already registered")

// Users implements rbacauth.UserStore on the users table. Emails compare
// case insensitively.
type Users struct {
	db *sql.DB
}

const userColumns = `id, email, name, password_hash, token_version, must_change_password`

// Create inserts u and returns the assigned id. u.ID is ignored.
func (s *Users) Create(ctx context.Context, u rbacauth.User) (int64, error) {
	var hash sql.NullString
	if u.PasswordHash != "" {
		hash = sql.NullString{String: u.PasswordHash, Valid: true}
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		insert into users (email, name, password_hash, must_change_password)
		values (lower($1), $2, $3, $4)
		returning id
	`, u.Email, u.Name, hash, u.MustChangePassword).Scan(&id)
	if err != nil {
		if isCode(err, pgErrUniqueViolation) {
			return 0, ErrDuplicateEmail
		}
		return 0, fmt.Errorf("pgstore: create user: %w", err)
	}
	return id, nil
}

func (s *Users) FindByEmail(ctx context.Context, email string) (*rbacauth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = lower($1)`, email)
	return scanUser(row)
}

func (s *Users) FindByID(ctx context.Context, id int64) (*rbacauth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*rbacauth.User, error) {
	var (
		u    rbacauth.User
		hash sql.NullString
		tv   int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &hash, &tv, &u.MustChangePassword); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rbacauth.ErrUserNotFound
		}
		return nil, fmt.Errorf("pgstore: load user: %w", err)
	}
	u.PasswordHash = hash.String
	u.TokenVersion = uint32(tv)
	return &u, nil
}

// UpdatePasswordHash stores hash and clears must_change_password.
func (s *Users) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, must_change_password = false where id = $1
	`, id, hash)
	if err != nil {
		return fmt.Errorf("pgstore: update password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rbacauth.ErrUserNotFound
	}
	return nil
}

func (s *Users) IncrementTokenVersion(ctx context.Context, id int64) (uint32, error) {
	var tv int64
	err := s.db.QueryRowContext(ctx, `
		update users set token_version = token_version + 1 where id = $1 returning token_version
	`, id).Scan(&tv)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, rbacauth.ErrUserNotFound
		}
		return 0, fmt.Errorf("pgstore: bump token version: %w", err)
	}
	return uint32(tv), nil
}

var _ rbacauth.UserStore = (*Users)(nil)
