package rbacauth

import (
	"context"

	"github.com/braybrandon/rbacauth/internal/flows"
)

// ChangePassword replaces the password of userID after checking current.
// On success every refresh credential of the user is revoked and the
// token-version is bumped, so all existing sessions end.
func (e *Engine) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	return e.setPassword(ctx, flows.PasswordRequest{
		Mode:    flows.PasswordChange,
		UserID:  userID,
		Current: current,
		Next:    next,
	})
}

// SetInitialPassword sets the first password of an account created without
// one. It returns ErrPasswordAlreadySet once a hash is stored.
func (e *Engine) SetInitialPassword(ctx context.Context, userID int64, next string) error {
	return e.setPassword(ctx, flows.PasswordRequest{
		Mode:   flows.PasswordInitial,
		UserID: userID,
		Next:   next,
	})
}

// ResetPassword overwrites the password without checking the current one.
func (e *Engine) ResetPassword(ctx context.Context, userID int64, next string) error {
	return e.setPassword(ctx, flows.PasswordRequest{
		Mode:   flows.PasswordReset,
		UserID: userID,
		Next:   next,
	})
}

func (e *Engine) setPassword(ctx context.Context, req flows.PasswordRequest) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	res, err := e.flows.SetPassword(ctx, req)
	if err != nil {
		return err
	}
	e.metricInc(MetricLogoutAll)
	e.metricInc(MetricTokenVersionBumped)
	e.log.Info().
		Int64("user_id", req.UserID).
		Str("mode", req.Mode.String()).
		Int("revoked", res.Revoked).
		Uint32("token_version", res.TokenVersion).
		Msg("rbacauth: password updated, sessions ended")
	return nil
}

// HashPassword hashes pw with the configured argon2id parameters after
// applying the length policy. Account-creation code uses it so stored hashes
// match what Authenticate verifies.
func (e *Engine) HashPassword(pw string) (string, error) {
	if e == nil || e.passwordHash == nil {
		return "", ErrEngineNotReady
	}
	if err := e.passwordHash.CheckPolicy(pw); err != nil {
		return "", ErrPasswordPolicy
	}
	return e.passwordHash.Hash(pw)
}
