package flows

import (
	"context"
	"time"

	"github.com/braybrandon/rbacauth/permission"
)

// AuthorizeFailureKind classifies why a request was denied.
type AuthorizeFailureKind int

const (
	AuthorizeFailureNone AuthorizeFailureKind = iota
	AuthorizeFailureEmptyRequirement
	AuthorizeFailureRoles
	AuthorizeFailureLookup
	AuthorizeFailureDenied
)

// AuthorizeResult is the gate decision. Only Failure == AuthorizeFailureNone
// allows the request.
type AuthorizeResult struct {
	Failure AuthorizeFailureKind
	Err     error
	Granted permission.Mask
}

// Allowed reports whether the request may proceed.
func (r AuthorizeResult) Allowed() bool {
	return r.Failure == AuthorizeFailureNone
}

// AuthorizeDeps captures authorization gate dependencies.
type AuthorizeDeps struct {
	RoleIDs       func(context.Context, int64) ([]int64, error)
	Masks         func(context.Context, []int64) (map[string]permission.Mask, error)
	LookupTimeout time.Duration
}

// RunAuthorize decides whether userID holds every bit of required on
// featureKey. Any lookup error or timeout denies.
func RunAuthorize(ctx context.Context, userID int64, featureKey string, required permission.Mask, deps AuthorizeDeps) AuthorizeResult {
	if required == 0 {
		return AuthorizeResult{Failure: AuthorizeFailureEmptyRequirement}
	}
	if deps.LookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.LookupTimeout)
		defer cancel()
	}

	roles, err := deps.RoleIDs(ctx, userID)
	if err != nil {
		return AuthorizeResult{Failure: AuthorizeFailureRoles, Err: err}
	}
	if len(roles) == 0 {
		return AuthorizeResult{Failure: AuthorizeFailureDenied}
	}

	masks, err := deps.Masks(ctx, roles)
	if err != nil {
		return AuthorizeResult{Failure: AuthorizeFailureLookup, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return AuthorizeResult{Failure: AuthorizeFailureLookup, Err: err}
	}

	granted := masks[featureKey]
	if !granted.Has(required) {
		return AuthorizeResult{Failure: AuthorizeFailureDenied, Granted: granted}
	}
	return AuthorizeResult{Granted: granted}
}
