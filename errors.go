package rbacauth

import (
	"errors"
	"net/http"
)

// ErrorKind is the closed set of failure categories the Engine reports.
type ErrorKind uint8

const (
	// KindUnknown is returned by KindOf for errors that did not originate in the Engine.
	KindUnknown ErrorKind = iota
	KindInvalidCredentials
	KindMissingRefreshToken
	KindInvalidRefreshToken
	KindExpiredRefreshToken
	KindRefreshReuseDetected
	KindInvalidRefreshUser
	KindForbidden
	KindInvalidAccessToken
	KindLoginRateLimited
	KindRefreshRateLimited
	KindPasswordPolicy
	KindPasswordAlreadySet
	KindUserNotFound
	KindBackendUnavailable
	KindEngineNotReady
)

var kindNames = [...]string{
	KindUnknown:              "unknown",
	KindInvalidCredentials:   "invalid_credentials",
	KindMissingRefreshToken:  "missing_refresh_token",
	KindInvalidRefreshToken:  "invalid_refresh_token",
	KindExpiredRefreshToken:  "expired_refresh_token",
	KindRefreshReuseDetected: "refresh_reuse_detected",
	KindInvalidRefreshUser:   "invalid_refresh_user",
	KindForbidden:            "forbidden",
	KindInvalidAccessToken:   "invalid_access_token",
	KindLoginRateLimited:     "login_rate_limited",
	KindRefreshRateLimited:   "refresh_rate_limited",
	KindPasswordPolicy:       "password_policy",
	KindPasswordAlreadySet:   "password_already_set",
	KindUserNotFound:         "user_not_found",
	KindBackendUnavailable:   "backend_unavailable",
	KindEngineNotReady:       "engine_not_ready",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// HTTPStatus maps a kind to the response status an HTTP binding should use.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidCredentials,
		KindMissingRefreshToken,
		KindInvalidRefreshToken,
		KindExpiredRefreshToken,
		KindRefreshReuseDetected,
		KindInvalidRefreshUser,
		KindInvalidAccessToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindLoginRateLimited, KindRefreshRateLimited:
		return http.StatusTooManyRequests
	case KindPasswordPolicy:
		return http.StatusBadRequest
	case KindPasswordAlreadySet:
		return http.StatusConflict
	case KindUserNotFound:
		return http.StatusNotFound
	case KindBackendUnavailable, KindEngineNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete type behind every exported sentinel. Two *Error values
// match under errors.Is when their kinds are equal.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

var (
	ErrInvalidCredentials   = newError(KindInvalidCredentials, "invalid credentials")
	ErrMissingRefreshToken  = newError(KindMissingRefreshToken, "missing refresh token")
	ErrInvalidRefreshToken  = newError(KindInvalidRefreshToken, "invalid refresh token")
	ErrExpiredRefreshToken  = newError(KindExpiredRefreshToken, "refresh token expired")
	ErrRefreshReuseDetected = newError(KindRefreshReuseDetected, "refresh token reuse detected")
	ErrInvalidRefreshUser   = newError(KindInvalidRefreshUser, "refresh token owner no longer exists")
	ErrForbidden            = newError(KindForbidden, "forbidden")
	ErrInvalidAccessToken   = newError(KindInvalidAccessToken, "invalid access token")
	ErrLoginRateLimited     = newError(KindLoginRateLimited, "login rate limited")
	ErrRefreshRateLimited   = newError(KindRefreshRateLimited, "refresh rate limited")
	ErrPasswordPolicy       = newError(KindPasswordPolicy, "password policy violation")
	ErrPasswordAlreadySet   = newError(KindPasswordAlreadySet, "password already set")
	// ErrUserNotFound is also the sentinel UserStore implementations return for a missing row.
	ErrUserNotFound       = newError(KindUserNotFound, "user not found")
	ErrBackendUnavailable = newError(KindBackendUnavailable, "backend unavailable")
	ErrEngineNotReady     = newError(KindEngineNotReady, "engine not initialized")
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
