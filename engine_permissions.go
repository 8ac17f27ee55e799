package rbacauth

import (
	"context"
	"fmt"

	"github.com/braybrandon/rbacauth/internal/flows"
	"github.com/braybrandon/rbacauth/permission"
)

// Authorize allows the request iff the union of userID's roles grants every
// bit of required on featureKey. Lookup failures and timeouts deny: the
// result is ErrForbidden unless access is granted.
func (e *Engine) Authorize(ctx context.Context, userID int64, featureKey string, required permission.Mask) error {
	if !e.ready() {
		return ErrForbidden
	}
	res := e.flows.Authorize(ctx, userID, featureKey, required)
	if res.Allowed() {
		e.metricInc(MetricAuthorizeAllowed)
		return nil
	}

	switch res.Failure {
	case flows.AuthorizeFailureRoles, flows.AuthorizeFailureLookup:
		e.metricInc(MetricAuthorizeLookupFailed)
		e.log.Warn().
			Err(res.Err).
			Int64("user_id", userID).
			Str("feature", featureKey).
			Msg("rbacauth: permission lookup failed, denying")
	}
	e.metricInc(MetricAuthorizeDenied)
	e.emitAudit(ctx, auditEventAuthorizeDenied, false, userID, 0, ErrForbidden, func() map[string]string {
		return map[string]string{
			"feature":  featureKey,
			"required": required.String(),
			"granted":  res.Granted.String(),
		}
	})
	return ErrForbidden
}

// GetAggregatedPermissions returns the OR of every role's mask per feature
// key. Missing roles are computed from the GrantStore and cached.
func (e *Engine) GetAggregatedPermissions(ctx context.Context, roleIDs []int64) (map[string]permission.Mask, error) {
	if e == nil || e.cache == nil {
		return nil, ErrEngineNotReady
	}
	masks, err := e.cache.Get(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return masks, nil
}

// CurrentUser returns the self view of userID: account fields, role ids and
// effective permissions. The password hash is not included.
func (e *Engine) CurrentUser(ctx context.Context, userID int64) (*CurrentUser, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	u, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	roles, err := e.grants.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	masks, err := e.GetAggregatedPermissions(ctx, roles)
	if err != nil {
		return nil, err
	}

	view := *u
	view.PasswordHash = ""
	return &CurrentUser{
		User:        &view,
		RoleIDs:     roles,
		Permissions: masks,
	}, nil
}

/*
====================================
CACHE MAINTENANCE HOOKS
====================================
*/

// OnGrant must be called after a grant of p to roleID is committed. The
// returned error is informational: the role has already been invalidated
// and the grant stands.
func (e *Engine) OnGrant(ctx context.Context, roleID int64, p permission.Permission) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return e.cache.OnGrant(ctx, roleID, p)
}

// OnRevoke must be called after a grant on featureID is removed from
// roleID.
func (e *Engine) OnRevoke(ctx context.Context, roleID, featureID int64) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return e.cache.OnRevoke(ctx, roleID, featureID)
}

// OnPermissionDeleted must be called after p and its grants are deleted.
func (e *Engine) OnPermissionDeleted(ctx context.Context, p permission.Permission) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return e.cache.OnPermissionDeleted(ctx, p)
}

// InvalidateRole drops the cached masks of roleID.
func (e *Engine) InvalidateRole(ctx context.Context, roleID int64) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return e.cache.Invalidate(ctx, roleID)
}

// WarmRoles computes and stores the masks of roleIDs ahead of traffic.
func (e *Engine) WarmRoles(ctx context.Context, roleIDs []int64) error {
	if e == nil || e.cache == nil {
		return ErrEngineNotReady
	}
	return e.cache.Warm(ctx, roleIDs)
}

// ClearPermissionCache invalidates every cached role and returns how many
// were touched.
func (e *Engine) ClearPermissionCache(ctx context.Context) (int, error) {
	if e == nil || e.cache == nil {
		return 0, ErrEngineNotReady
	}
	return e.cache.Clear(ctx)
}
