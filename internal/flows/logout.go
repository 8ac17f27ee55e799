package flows

import (
	"context"
	"errors"

	"github.com/braybrandon/rbacauth/refresh"
)

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Ledger refresh.Ledger
}

// LogoutResult reports what a best-effort revoke did. Err is for logging
// only; callers never surface it.
type LogoutResult struct {
	RefreshID int64
	Revoked   bool
	Err       error
}

// RunLogout revokes the presented refresh credential if it resolves to a row
// whose digest matches. Empty, malformed and unknown credentials are no-ops.
func RunLogout(ctx context.Context, presented string, deps LogoutDeps) LogoutResult {
	if presented == "" || deps.Ledger == nil {
		return LogoutResult{}
	}
	tok, err := refresh.Parse(presented)
	if err != nil {
		return LogoutResult{}
	}

	digest := refresh.Hash(tok.Secret)
	if tok.Legacy {
		if err := deps.Ledger.RevokeByHash(ctx, digest); err != nil {
			return logoutErr(0, err)
		}
		return LogoutResult{Revoked: true}
	}

	rec, err := deps.Ledger.Get(ctx, tok.ID)
	if err != nil {
		return logoutErr(tok.ID, err)
	}
	if !refresh.HashEqual(rec.TokenHash, digest) {
		return LogoutResult{RefreshID: tok.ID}
	}
	if rec.Revoked {
		return LogoutResult{RefreshID: rec.ID}
	}
	if err := deps.Ledger.Revoke(ctx, rec.ID); err != nil {
		return logoutErr(rec.ID, err)
	}
	return LogoutResult{RefreshID: rec.ID, Revoked: true}
}

func logoutErr(id int64, err error) LogoutResult {
	if errors.Is(err, refresh.ErrNotFound) {
		return LogoutResult{RefreshID: id}
	}
	return LogoutResult{RefreshID: id, Err: err}
}

// RunLogoutAll revokes every live refresh credential owned by userID.
func RunLogoutAll(ctx context.Context, userID int64, deps LogoutDeps) (int, error) {
	return deps.Ledger.RevokeAllForUser(ctx, userID)
}
