package flows

import (
	"context"
	"errors"
	"fmt"
)

// PasswordMode selects which precondition a password write enforces.
type PasswordMode int

const (
	// PasswordChange requires the current password.
	PasswordChange PasswordMode = iota
	// PasswordInitial is allowed only while no hash is stored.
	PasswordInitial
	// PasswordReset is an administrator override with no precondition.
	PasswordReset
)

// PasswordRequest is the input to RunSetPassword.
type PasswordRequest struct {
	Mode    PasswordMode
	UserID  int64
	Current string
	Next    string
}

// PasswordMetrics carries metric IDs needed by the password flow.
type PasswordMetrics struct {
	PasswordChangeSuccess int
	PasswordChangeFailure int
}

// PasswordEvents carries audit event names used by the password flow.
type PasswordEvents struct {
	PasswordChanged string
	PasswordFailure string
}

// PasswordErrors carries host-level sentinel errors used by the password flow.
type PasswordErrors struct {
	EngineNotReady     error
	InvalidCredentials error
	PasswordPolicy     error
	PasswordAlreadySet error
	UserNotFound       error
	BackendUnavailable error
}

// PasswordDeps captures password write dependencies.
type PasswordDeps struct {
	GetUserByID           func(context.Context, int64) (*Subject, error)
	UpdatePasswordHash    func(context.Context, int64, string) error
	IncrementTokenVersion func(context.Context, int64) (uint32, error)
	VerifyPassword        func(string, string) (bool, error)
	VerifyDummy           func(string)
	CheckPolicy           func(string) error
	HashPassword          func(string) (string, error)
	RevokeAllForUser      func(context.Context, int64) (int, error)

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, success bool, userID int64, err error, metadata func() map[string]string)
	Warn      func(string, ...any)

	Metrics PasswordMetrics
	Events  PasswordEvents
	Errors  PasswordErrors
}

// PasswordResult reports the side effects of a successful password write.
type PasswordResult struct {
	Revoked      int
	TokenVersion uint32
}

// RunSetPassword stores a new password hash and then invalidates every
// session of the user: all refresh rows are revoked and the token-version is
// bumped so outstanding access tokens stop verifying.
func RunSetPassword(ctx context.Context, req PasswordRequest, deps PasswordDeps) (*PasswordResult, error) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, int64, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.GetUserByID == nil ||
		deps.VerifyPassword == nil ||
		deps.UpdatePasswordHash == nil ||
		deps.IncrementTokenVersion == nil ||
		deps.HashPassword == nil ||
		deps.RevokeAllForUser == nil {
		return nil, deps.Errors.EngineNotReady
	}

	fail := func(err error, reason string) (*PasswordResult, error) {
		deps.MetricInc(deps.Metrics.PasswordChangeFailure)
		deps.EmitAudit(ctx, deps.Events.PasswordFailure, false, req.UserID, err, func() map[string]string {
			return map[string]string{"reason": reason}
		})
		return nil, err
	}

	user, err := deps.GetUserByID(ctx, req.UserID)
	if err != nil {
		if deps.Errors.UserNotFound != nil && errors.Is(err, deps.Errors.UserNotFound) {
			return fail(deps.Errors.UserNotFound, "user_not_found")
		}
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}

	switch req.Mode {
	case PasswordChange:
		if user.PasswordHash == "" {
			if deps.VerifyDummy != nil {
				deps.VerifyDummy(req.Current)
			}
			return fail(deps.Errors.InvalidCredentials, "password_not_set")
		}
		ok, err := deps.VerifyPassword(req.Current, user.PasswordHash)
		if err != nil || !ok {
			return fail(deps.Errors.InvalidCredentials, "current_password_mismatch")
		}
	case PasswordInitial:
		if user.PasswordHash != "" {
			return fail(deps.Errors.PasswordAlreadySet, "password_already_set")
		}
	case PasswordReset:
	default:
		return nil, fmt.Errorf("rbacauth: unknown password mode %d", req.Mode)
	}

	if deps.CheckPolicy != nil {
		if err := deps.CheckPolicy(req.Next); err != nil {
			return fail(fmt.Errorf("%w: %v", deps.Errors.PasswordPolicy, err), "policy")
		}
	}
	hash, err := deps.HashPassword(req.Next)
	if err != nil {
		return nil, err
	}
	if err := deps.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}

	revoked, err := deps.RevokeAllForUser(ctx, user.ID)
	if err != nil {
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}
	tv, err := deps.IncrementTokenVersion(ctx, user.ID)
	if err != nil {
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}

	deps.MetricInc(deps.Metrics.PasswordChangeSuccess)
	deps.EmitAudit(ctx, deps.Events.PasswordChanged, true, user.ID, nil, func() map[string]string {
		return map[string]string{"mode": req.Mode.String()}
	})
	return &PasswordResult{Revoked: revoked, TokenVersion: tv}, nil
}

func (m PasswordMode) String() string {
	switch m {
	case PasswordChange:
		return "change"
	case PasswordInitial:
		return "initial"
	case PasswordReset:
		return "reset"
	default:
		return "unknown"
	}
}
