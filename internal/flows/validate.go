package flows

import (
	"context"
	"errors"
	"time"

	"github.com/braybrandon/rbacauth/jwt"
)

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureUnauthorized
	ValidateFailureTokenClockSkew
	ValidateFailureSubject
	ValidateFailureUserNotFound
	ValidateFailureVersionMismatch
	ValidateFailureBackend
)

// ValidateResult returns either the verified subject or a classified failure.
type ValidateResult struct {
	Failure      ValidateFailureKind
	Err          error
	UserID       int64
	TokenVersion uint32
	Claims       *jwt.AccessClaims
}

// ValidateDeps captures access-token validation dependencies.
type ValidateDeps struct {
	ParseAccess  func(string) (*jwt.AccessClaims, error)
	LoadUser     func(context.Context, int64) (*Subject, error)
	Now          func() time.Time
	MaxClockSkew time.Duration
	UserNotFound error
}

// RunValidate verifies the signature and expiry of an access token, then
// compares its token-version against the owner's current value.
func RunValidate(ctx context.Context, tokenStr string, deps ValidateDeps) ValidateResult {
	claims, err := deps.ParseAccess(tokenStr)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureUnauthorized, Err: err}
	}
	if deps.Now != nil && deps.MaxClockSkew >= 0 && claims.IssuedAt != nil {
		if claims.IssuedAt.Time.After(deps.Now().Add(deps.MaxClockSkew)) {
			return ValidateResult{Failure: ValidateFailureTokenClockSkew}
		}
	}

	userID, err := claims.UserID()
	if err != nil {
		return ValidateResult{Failure: ValidateFailureSubject, Err: err}
	}

	user, err := deps.LoadUser(ctx, userID)
	if err != nil {
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			return ValidateResult{Failure: ValidateFailureUserNotFound, Err: err, UserID: userID}
		}
		return ValidateResult{Failure: ValidateFailureBackend, Err: err, UserID: userID}
	}

	if claims.TV != user.TokenVersion {
		return ValidateResult{Failure: ValidateFailureVersionMismatch, UserID: userID, TokenVersion: claims.TV}
	}

	return ValidateResult{
		UserID:       userID,
		TokenVersion: claims.TV,
		Claims:       claims,
	}
}
