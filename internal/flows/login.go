package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/braybrandon/rbacauth/refresh"
)

// Subject is the flow-local view of a user: identity, stored hash and the
// token-version that access tokens must carry.
type Subject struct {
	ID           int64
	Email        string
	PasswordHash string
	TokenVersion uint32

	// Account is the host's own record, carried through untouched.
	Account any
}

// Tokens is a freshly issued access/refresh pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	RefreshID    int64
}

// LoginMetrics carries metric IDs needed by the login flow.
type LoginMetrics struct {
	LoginSuccess     int
	LoginFailure     int
	LoginRateLimited int
	RefreshIssued    int
}

// LoginEvents carries audit event names used by the login flow.
type LoginEvents struct {
	LoginSuccess     string
	LoginFailure     string
	LoginRateLimited string
}

// LoginErrors carries host-level sentinel errors used by the login flow.
type LoginErrors struct {
	EngineNotReady     error
	InvalidCredentials error
	LoginRateLimited   error
	UserNotFound       error
	BackendUnavailable error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	PasswordUpgradeOnLogin bool
	RefreshTTL             time.Duration

	ClientIPFromContext func(context.Context) string
	Now                 func() time.Time

	CheckLoginRate     func(context.Context, string, string) error
	IncrementLoginRate func(context.Context, string, string) error
	ResetLoginRate     func(context.Context, string, string) error

	GetUserByEmail       func(context.Context, string) (*Subject, error)
	UpdatePasswordHash   func(context.Context, int64, string) error
	VerifyPassword       func(string, string) (bool, error)
	VerifyDummy          func(string)
	PasswordNeedsUpgrade func(string) (bool, error)
	HashPassword         func(string) (string, error)

	Ledger           refresh.Ledger
	NewRefreshSecret func() (string, error)
	IssueAccessToken func(userID int64, tokenVersion uint32) (string, error)

	MetricInc func(int)
	EmitAudit func(ctx context.Context, event string, success bool, userID int64, err error, metadata func() map[string]string)
	Warn      func(string, ...any)

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

// LoginResult is the flow-local login response shape.
type LoginResult struct {
	User   *Subject
	Tokens Tokens
}

// RunLogin authenticates email/password and issues a token pair.
//
// Unknown users and users without a stored hash still pay for one argon2
// verification against a dummy hash, so the three failure cases are
// indistinguishable by outcome and by timing.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) (*LoginResult, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, int64, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.ClientIPFromContext == nil {
		deps.ClientIPFromContext = func(context.Context) string { return "" }
	}
	if deps.GetUserByEmail == nil ||
		deps.VerifyPassword == nil ||
		deps.VerifyDummy == nil ||
		deps.Ledger == nil ||
		deps.NewRefreshSecret == nil ||
		deps.IssueAccessToken == nil {
		return nil, deps.Errors.EngineNotReady
	}

	ip := deps.ClientIPFromContext(ctx)
	identity := func() map[string]string {
		return map[string]string{"email": email}
	}

	rateLimited := func() (*LoginResult, error) {
		deps.MetricInc(deps.Metrics.LoginRateLimited)
		deps.EmitAudit(ctx, deps.Events.LoginRateLimited, false, 0, deps.Errors.LoginRateLimited, identity)
		return nil, deps.Errors.LoginRateLimited
	}
	fail := func(userID int64, reason string) (*LoginResult, error) {
		if deps.IncrementLoginRate != nil {
			if err := deps.IncrementLoginRate(ctx, email, ip); err != nil {
				return rateLimited()
			}
		}
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, userID, deps.Errors.InvalidCredentials, func() map[string]string {
			return map[string]string{
				"email":  email,
				"reason": reason,
			}
		})
		return nil, deps.Errors.InvalidCredentials
	}

	if deps.CheckLoginRate != nil {
		if err := deps.CheckLoginRate(ctx, email, ip); err != nil {
			return rateLimited()
		}
	}

	if password == "" {
		return fail(0, "empty_password")
	}

	user, err := deps.GetUserByEmail(ctx, email)
	if err != nil {
		if deps.Errors.UserNotFound != nil && errors.Is(err, deps.Errors.UserNotFound) {
			deps.VerifyDummy(password)
			return fail(0, "user_not_found")
		}
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}
	if user.PasswordHash == "" {
		deps.VerifyDummy(password)
		return fail(user.ID, "password_not_set")
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return fail(user.ID, "password_mismatch")
	}

	if deps.PasswordUpgradeOnLogin && deps.PasswordNeedsUpgrade != nil && deps.HashPassword != nil && deps.UpdatePasswordHash != nil {
		upgradeHash(ctx, user, password, deps)
	}

	if deps.ResetLoginRate != nil {
		if err := deps.ResetLoginRate(ctx, email, ip); err != nil {
			deps.Warn("rbacauth: login limiter reset failed", "error", err)
		}
	}

	tokens, err := issueTokens(ctx, user, issueDeps{
		Now:              deps.Now,
		RefreshTTL:       deps.RefreshTTL,
		Ledger:           deps.Ledger,
		NewRefreshSecret: deps.NewRefreshSecret,
		IssueAccessToken: deps.IssueAccessToken,
	})
	if err != nil {
		return nil, backend(deps.Errors.BackendUnavailable, err)
	}

	deps.MetricInc(deps.Metrics.RefreshIssued)
	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, user.ID, nil, nil)
	return &LoginResult{User: user, Tokens: tokens}, nil
}

func upgradeHash(ctx context.Context, user *Subject, password string, deps LoginDeps) {
	needs, err := deps.PasswordNeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	next, err := deps.HashPassword(password)
	if err != nil {
		deps.Warn("rbacauth: password rehash failed", "user_id", user.ID, "error", err)
		return
	}
	if err := deps.UpdatePasswordHash(ctx, user.ID, next); err != nil {
		deps.Warn("rbacauth: password hash upgrade not persisted", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash = next
}

type issueDeps struct {
	Now              func() time.Time
	RefreshTTL       time.Duration
	Ledger           refresh.Ledger
	NewRefreshSecret func() (string, error)
	IssueAccessToken func(int64, uint32) (string, error)
}

// issueTokens records a new ledger row for user and signs the access token
// with the token-version read alongside it.
func issueTokens(ctx context.Context, user *Subject, deps issueDeps) (Tokens, error) {
	secret, err := deps.NewRefreshSecret()
	if err != nil {
		return Tokens{}, err
	}
	now := deps.Now()
	id, err := deps.Ledger.Create(ctx, refresh.Issue{
		UserID:    user.ID,
		TokenHash: refresh.Hash(secret),
		ExpiresAt: now.Add(deps.RefreshTTL),
		CreatedAt: now,
	})
	if err != nil {
		return Tokens{}, err
	}
	access, err := deps.IssueAccessToken(user.ID, user.TokenVersion)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh.Encode(id, secret),
		RefreshID:    id,
	}, nil
}

func backend(kind error, err error) error {
	if kind == nil {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
