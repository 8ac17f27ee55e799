package rbacauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	internalaudit "github.com/braybrandon/rbacauth/internal/audit"
	"github.com/braybrandon/rbacauth/internal/flows"
	"github.com/braybrandon/rbacauth/internal/rate"
	"github.com/braybrandon/rbacauth/jwt"
	"github.com/braybrandon/rbacauth/password"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/refresh"
)

// Engine is the session and authorization core. Build one with [New] and
// share it across goroutines; every method is safe for concurrent use as
// long as the injected stores are.
type Engine struct {
	config       Config
	users        UserStore
	grants       GrantStore
	ledger       refresh.Ledger
	cache        *permission.Cache
	rateLimiter  *rate.Limiter
	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	flows        flows.Service
	log          zerolog.Logger
	clock        func() time.Time
}

// Close drains the audit dispatcher. The Engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of all counters. Permission cache counters
// are read from the cache at call time.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	snap := e.metrics.Snapshot()
	if e.metrics.Enabled() && e.cache != nil {
		st := e.cache.Stats()
		snap.Counters[MetricCacheHit] = st.Hits
		snap.Counters[MetricCacheMiss] = st.Misses
		snap.Counters[MetricCacheFill] = st.Fills
		snap.Counters[MetricCacheConflict] = st.Conflicts
		snap.Counters[MetricCacheInvalidation] = st.Invalidations
		snap.Counters[MetricCacheFailure] = st.Failures
	}
	return snap
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) flowMetricInc(id int) {
	e.metricInc(MetricID(id))
}

func (e *Engine) warn(msg string, kv ...any) {
	e.log.Warn().Fields(kv).Msg(msg)
}

func (e *Engine) ready() bool {
	return e != nil && e.flows.Initialized()
}

/*
====================================
USER ADAPTERS
====================================
*/

func toSubject(u *User) *flows.Subject {
	return &flows.Subject{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		TokenVersion: u.TokenVersion,
		Account:      u,
	}
}

// fromSubject recovers the store record a subject was built from. The
// password hash is copied back since login may have upgraded it.
func fromSubject(s *flows.Subject) *User {
	if s == nil {
		return nil
	}
	if u, ok := s.Account.(*User); ok && u != nil {
		u.PasswordHash = s.PasswordHash
		return u
	}
	return &User{
		ID:           s.ID,
		Email:        s.Email,
		PasswordHash: s.PasswordHash,
		TokenVersion: s.TokenVersion,
	}
}

func (e *Engine) subjectByEmail(ctx context.Context, email string) (*flows.Subject, error) {
	u, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return toSubject(u), nil
}

func (e *Engine) subjectByID(ctx context.Context, id int64) (*flows.Subject, error) {
	u, err := e.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return toSubject(u), nil
}

// storeErr maps a UserStore error to the engine's kinds.
func storeErr(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return ErrUserNotFound
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

/*
====================================
LOGIN
====================================
*/

// Authenticate verifies email and password and issues an access/refresh
// pair.
//
// An unknown email, an account without a password and a wrong password all
// return ErrInvalidCredentials after the same amount of hashing work.
func (e *Engine) Authenticate(ctx context.Context, email, password string) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	res, err := e.flows.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		User:         fromSubject(res.User),
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
	}, nil
}

/*
====================================
REFRESH
====================================
*/

// RotateRefresh exchanges a live refresh credential for a new pair. The
// presented credential is revoked in the same atomic step that records its
// successor.
//
// Presenting a credential that was already rotated or revoked is treated as
// theft: every live credential of the owner is revoked and
// ErrRefreshReuseDetected is returned.
func (e *Engine) RotateRefresh(ctx context.Context, presented string) (*RefreshResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	res := e.flows.Refresh(ctx, presented)
	if res.Failure != flows.RefreshFailureNone {
		return nil, e.refreshFailure(ctx, res)
	}

	e.metricInc(MetricRefreshSuccess)
	e.metricInc(MetricRefreshIssued)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, res.RefreshID, nil, nil)

	return &RefreshResult{
		User:         fromSubject(res.User),
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
	}, nil
}

func (e *Engine) refreshFailure(ctx context.Context, res flows.RefreshResult) error {
	reason := refreshFailureReason(res.Failure)
	meta := func() map[string]string {
		return map[string]string{"reason": reason}
	}

	switch res.Failure {
	case flows.RefreshFailureRateLimited:
		e.metricInc(MetricRefreshRateLimited)
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, 0, 0, ErrRefreshRateLimited, nil)
		return ErrRefreshRateLimited

	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshReuseDetected)
		e.log.Warn().
			Int64("user_id", res.UserID).
			Int64("refresh_id", res.RefreshID).
			Int("revoked", res.Revoked).
			Msg("rbacauth: refresh token reuse detected")
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.UserID, res.RefreshID, ErrRefreshReuseDetected, func() map[string]string {
			return map[string]string{"revoked": fmt.Sprint(res.Revoked)}
		})
		return ErrRefreshReuseDetected
	}

	var err error
	switch res.Failure {
	case flows.RefreshFailureMissing:
		err = ErrMissingRefreshToken
	case flows.RefreshFailureDecode, flows.RefreshFailureNotFound, flows.RefreshFailureHashMismatch:
		err = ErrInvalidRefreshToken
	case flows.RefreshFailureExpired:
		err = ErrExpiredRefreshToken
	case flows.RefreshFailureUserNotFound:
		err = ErrInvalidRefreshUser
	case flows.RefreshFailureBackend:
		err = fmt.Errorf("%w: %v", ErrBackendUnavailable, res.Err)
	default:
		err = res.Err
		if err == nil {
			err = ErrInvalidRefreshToken
		}
	}

	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, res.UserID, res.RefreshID, err, meta)
	return err
}

func refreshFailureReason(kind flows.RefreshFailureKind) string {
	switch kind {
	case flows.RefreshFailureMissing:
		return "missing"
	case flows.RefreshFailureDecode:
		return "decode"
	case flows.RefreshFailureRateLimited:
		return "rate_limited"
	case flows.RefreshFailureNotFound:
		return "not_found"
	case flows.RefreshFailureHashMismatch:
		return "hash_mismatch"
	case flows.RefreshFailureReuse:
		return "reuse"
	case flows.RefreshFailureExpired:
		return "expired"
	case flows.RefreshFailureUserNotFound:
		return "user_not_found"
	case flows.RefreshFailureBackend:
		return "backend"
	case flows.RefreshFailureNextSecret:
		return "next_secret_failed"
	case flows.RefreshFailureIssueAccess:
		return "issue_access_failed"
	default:
		return "unknown"
	}
}

/*
====================================
LOGOUT / REVOCATION
====================================
*/

// RevokeByToken revokes the presented refresh credential. It never fails:
// empty, malformed and unknown credentials are ignored and store errors are
// logged.
func (e *Engine) RevokeByToken(ctx context.Context, presented string) {
	if !e.ready() {
		return
	}
	res := e.flows.Logout(ctx, presented)
	if res.Err != nil {
		e.warn("rbacauth: logout revoke failed", "refresh_id", res.RefreshID, "error", res.Err)
		return
	}
	if res.Revoked {
		e.metricInc(MetricLogout)
		e.emitAudit(ctx, auditEventLogout, true, 0, res.RefreshID, nil, nil)
	}
}

// RevokeAll revokes every live refresh credential of userID and returns how
// many were revoked. Access tokens already issued stay valid until expiry;
// combine with BumpTokenVersion to end them too.
func (e *Engine) RevokeAll(ctx context.Context, userID int64) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.flows.LogoutAll(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, 0, nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return n, nil
}

// BumpTokenVersion increments the user's token-version so every access token
// issued before the call stops verifying.
func (e *Engine) BumpTokenVersion(ctx context.Context, userID int64) (uint32, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	tv, err := e.users.IncrementTokenVersion(ctx, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	e.metricInc(MetricTokenVersionBumped)
	e.emitAudit(ctx, auditEventTokenVersionBumped, true, userID, 0, nil, func() map[string]string {
		return map[string]string{"token_version": fmt.Sprint(tv)}
	})
	return tv, nil
}

/*
====================================
ACCESS TOKENS
====================================
*/

// VerifyAccessToken checks the signature and expiry of an access token and
// that its token-version still matches the owner's. Every failure is
// ErrInvalidAccessToken.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*Principal, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	res := e.flows.Validate(ctx, token)
	if res.Failure != flows.ValidateFailureNone {
		e.metricInc(MetricAccessTokenRejected)
		if res.Failure == flows.ValidateFailureBackend {
			e.warn("rbacauth: access token owner lookup failed", "user_id", res.UserID, "error", res.Err)
		}
		return nil, ErrInvalidAccessToken
	}
	return &Principal{UserID: res.UserID, TokenVersion: res.TokenVersion}, nil
}
