package refresh

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no ledger row matches.
	ErrNotFound = errors.New("refresh record not found")
	// ErrAlreadyRevoked is returned by Rotate when the row was revoked before
	// this call could claim it.
	ErrAlreadyRevoked = errors.New("refresh record already revoked")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("refresh ledger unavailable")
)

// Record is one ledger row.
type Record struct {
	ID        int64
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Issue describes a row to insert.
type Issue struct {
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Ledger persists refresh records. Implementations must be safe for
// concurrent use.
type Ledger interface {
	// Create inserts an unrevoked row and returns its id.
	Create(ctx context.Context, in Issue) (int64, error)
	// Get returns the row with id or ErrNotFound.
	Get(ctx context.Context, id int64) (*Record, error)
	// GetByHash returns the row whose digest equals tokenHash or ErrNotFound.
	GetByHash(ctx context.Context, tokenHash string) (*Record, error)
	// Rotate revokes row id and inserts next as one atomic step. It returns
	// ErrAlreadyRevoked when the row was already revoked and ErrNotFound when
	// it does not exist; in both cases nothing is inserted.
	Rotate(ctx context.Context, id int64, next Issue) (int64, error)
	// Revoke marks row id revoked. Revoking a revoked row is not an error.
	Revoke(ctx context.Context, id int64) error
	// RevokeByHash marks the row with tokenHash revoked.
	RevokeByHash(ctx context.Context, tokenHash string) error
	// RevokeAllForUser revokes every unrevoked row owned by userID and
	// returns how many rows changed.
	RevokeAllForUser(ctx context.Context, userID int64) (int, error)
}
