package flows

import (
	"context"
	"errors"
	"time"

	"github.com/braybrandon/rbacauth/refresh"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureMissing
	RefreshFailureDecode
	RefreshFailureRateLimited
	RefreshFailureNotFound
	RefreshFailureHashMismatch
	RefreshFailureReuse
	RefreshFailureExpired
	RefreshFailureUserNotFound
	RefreshFailureBackend
	RefreshFailureNextSecret
	RefreshFailureIssueAccess
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure   RefreshFailureKind
	Err       error
	RefreshID int64
	UserID    int64
	Revoked   int
	User      *Subject
	Tokens    Tokens
}

type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, ip string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	ClientIPFromContext func(context.Context) string
	Now                 func() time.Time
	RefreshTTL          time.Duration
	Ledger              refresh.Ledger
	LoadUser            func(context.Context, int64) (*Subject, error)
	NewRefreshSecret    func() (string, error)
	IssueAccessToken    func(userID int64, tokenVersion uint32) (string, error)
	RateLimiter         RefreshRateLimiter
	Warn                func(string, ...any)
	UserNotFound        error
}

// RunRefresh validates a presented refresh credential against the ledger and,
// when it is live, rotates it into a fresh pair.
//
// Checks run in a fixed order: presence, shape, row lookup, digest, revoked,
// expiry, owner. A revoked credential is treated as theft and every live
// credential of its owner is revoked before the failure is returned.
func RunRefresh(ctx context.Context, presented string, deps RefreshDeps) RefreshResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if presented == "" {
		return RefreshResult{Failure: RefreshFailureMissing, Err: refresh.ErrEmpty}
	}

	if deps.RateLimiter != nil {
		ip := ""
		if deps.ClientIPFromContext != nil {
			ip = deps.ClientIPFromContext(ctx)
		}
		if err := deps.RateLimiter.CheckRefresh(ctx, ip); err != nil {
			return RefreshResult{Failure: RefreshFailureRateLimited, Err: err}
		}
	}

	tok, err := refresh.Parse(presented)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	digest := refresh.Hash(tok.Secret)
	var rec *refresh.Record
	if tok.Legacy {
		rec, err = deps.Ledger.GetByHash(ctx, digest)
	} else {
		rec, err = deps.Ledger.Get(ctx, tok.ID)
	}
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return RefreshResult{Failure: RefreshFailureNotFound, Err: err, RefreshID: tok.ID}
		}
		return RefreshResult{Failure: RefreshFailureBackend, Err: err, RefreshID: tok.ID}
	}

	if !refresh.HashEqual(rec.TokenHash, digest) {
		return RefreshResult{Failure: RefreshFailureHashMismatch, RefreshID: rec.ID}
	}

	if rec.Revoked {
		return reuseDetected(ctx, rec, deps)
	}

	now := deps.Now()
	if rec.Expired(now) {
		return RefreshResult{Failure: RefreshFailureExpired, RefreshID: rec.ID, UserID: rec.UserID}
	}

	user, err := deps.LoadUser(ctx, rec.UserID)
	if err != nil {
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			return RefreshResult{Failure: RefreshFailureUserNotFound, Err: err, RefreshID: rec.ID, UserID: rec.UserID}
		}
		return RefreshResult{Failure: RefreshFailureBackend, Err: err, RefreshID: rec.ID, UserID: rec.UserID}
	}

	secret, err := deps.NewRefreshSecret()
	if err != nil {
		return RefreshResult{Failure: RefreshFailureNextSecret, Err: err, RefreshID: rec.ID, UserID: user.ID}
	}

	nextID, err := deps.Ledger.Rotate(ctx, rec.ID, refresh.Issue{
		UserID:    user.ID,
		TokenHash: refresh.Hash(secret),
		ExpiresAt: now.Add(deps.RefreshTTL),
		CreatedAt: now,
	})
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrAlreadyRevoked):
			// A concurrent rotation consumed the credential first.
			return reuseDetected(ctx, rec, deps)
		case errors.Is(err, refresh.ErrNotFound):
			return RefreshResult{Failure: RefreshFailureNotFound, Err: err, RefreshID: rec.ID}
		default:
			return RefreshResult{Failure: RefreshFailureBackend, Err: err, RefreshID: rec.ID, UserID: user.ID}
		}
	}

	access, err := deps.IssueAccessToken(user.ID, user.TokenVersion)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureIssueAccess, Err: err, RefreshID: nextID, UserID: user.ID}
	}

	return RefreshResult{
		RefreshID: nextID,
		UserID:    user.ID,
		User:      user,
		Tokens: Tokens{
			AccessToken:  access,
			RefreshToken: refresh.Encode(nextID, secret),
			RefreshID:    nextID,
		},
	}
}

func reuseDetected(ctx context.Context, rec *refresh.Record, deps RefreshDeps) RefreshResult {
	n, err := deps.Ledger.RevokeAllForUser(ctx, rec.UserID)
	if err != nil {
		deps.Warn("rbacauth: revoke-all after refresh reuse failed", "user_id", rec.UserID, "error", err)
	}
	return RefreshResult{
		Failure:   RefreshFailureReuse,
		Err:       err,
		RefreshID: rec.ID,
		UserID:    rec.UserID,
		Revoked:   n,
	}
}
