package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/braybrandon/rbacauth/refresh"
)

// Ledger implements refresh.Ledger on the refresh_tokens table. Rotate runs
// in one transaction whose conditional update admits a single winner.
type Ledger struct {
	db *sql.DB
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", refresh.ErrUnavailable, err)
}

const insertRefresh = `
	insert into refresh_tokens (user_id, token_hash, expires_at, created_at)
	values ($1, $2, $3, $4)
	returning id`

func (l *Ledger) Create(ctx context.Context, in refresh.Issue) (int64, error) {
	var id int64
	if err := l.db.QueryRowContext(ctx, insertRefresh, in.UserID, in.TokenHash, in.ExpiresAt, in.CreatedAt).Scan(&id); err != nil {
		return 0, unavailable(err)
	}
	return id, nil
}

const recordColumns = `id, user_id, token_hash, expires_at, revoked, created_at`

func (l *Ledger) Get(ctx context.Context, id int64) (*refresh.Record, error) {
	return scanRecord(l.db.QueryRowContext(ctx, `select `+recordColumns+` from refresh_tokens where id = $1`, id))
}

func (l *Ledger) GetByHash(ctx context.Context, tokenHash string) (*refresh.Record, error) {
	return scanRecord(l.db.QueryRowContext(ctx, `select `+recordColumns+` from refresh_tokens where token_hash = $1`, tokenHash))
}

func scanRecord(row *sql.Row) (*refresh.Record, error) {
	var r refresh.Record
	if err := row.Scan(&r.ID, &r.UserID, &r.TokenHash, &r.ExpiresAt, &r.Revoked, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refresh.ErrNotFound
		}
		return nil, unavailable(err)
	}
	return &r, nil
}

func (l *Ledger) Rotate(ctx context.Context, id int64, next refresh.Issue) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update refresh_tokens set revoked = true where id = $1 and not revoked`, id)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	if n == 0 {
		var revoked bool
		err := tx.QueryRowContext(ctx, `select revoked from refresh_tokens where id = $1`, id).Scan(&revoked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return 0, refresh.ErrNotFound
		case err != nil:
			return 0, unavailable(err)
		}
		return 0, refresh.ErrAlreadyRevoked
	}

	var nextID int64
	if err := tx.QueryRowContext(ctx, insertRefresh, next.UserID, next.TokenHash, next.ExpiresAt, next.CreatedAt).Scan(&nextID); err != nil {
		return 0, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}
	return nextID, nil
}

func (l *Ledger) Revoke(ctx context.Context, id int64) error {
	return l.revokeWhere(ctx, `update refresh_tokens set revoked = true where id = $1`, id)
}

func (l *Ledger) RevokeByHash(ctx context.Context, tokenHash string) error {
	return l.revokeWhere(ctx, `update refresh_tokens set revoked = true where token_hash = $1`, tokenHash)
}

func (l *Ledger) revokeWhere(ctx context.Context, query string, arg any) error {
	res, err := l.db.ExecContext(ctx, query, arg)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return refresh.ErrNotFound
	}
	return nil
}

func (l *Ledger) RevokeAllForUser(ctx context.Context, userID int64) (int, error) {
	res, err := l.db.ExecContext(ctx, `update refresh_tokens set revoked = true where user_id = $1 and not revoked`, userID)
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// Prune deletes rows that expired before cutoff and returns how many went.
// Revoked rows are kept until expiry so replays are still recognized.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	return res.RowsAffected()
}

var _ refresh.Ledger = (*Ledger)(nil)
