package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/braybrandon/rbacauth"
	"github.com/braybrandon/rbacauth/permission"
)

// Authorizer is the part of the Engine RequireFeaturePermission needs.
type Authorizer interface {
	Authorize(ctx context.Context, userID int64, featureKey string, required permission.Mask) error
}

// RequireFeaturePermission must run after Authenticate. It answers 401 when
// no principal is attached and 403 unless the principal holds every bit of
// required on featureKey. With no bits given, the bit is derived from the
// request method.
func RequireFeaturePermission(a Authorizer, featureKey string, bits ...permission.Mask) func(http.Handler) http.Handler {
	var fixed permission.Mask
	for _, b := range bits {
		fixed |= b
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := rbacauth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if a == nil {
				writeError(w, http.StatusForbidden, "forbidden - insufficient permissions")
				return
			}

			required := fixed
			if required == 0 {
				required = permission.BitForMethod(r.Method)
			}

			if err := a.Authorize(r.Context(), p.UserID, featureKey, required); err != nil {
				status := http.StatusForbidden
				if errors.Is(err, rbacauth.ErrEngineNotReady) {
					status = http.StatusServiceUnavailable
				}
				writeError(w, status, "forbidden - insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
