package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/braybrandon/rbacauth"
)

// AccessCookie is the cookie that carries the access token for browser
// clients. LegacyAccessCookie is still accepted when AccessCookie is absent.
const (
	AccessCookie       = "access"
	LegacyAccessCookie = "jid"
)

// Verifier is the part of the Engine Authenticate needs.
type Verifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*rbacauth.Principal, error)
}

// Authenticate rejects requests without a valid access token with 401 and
// passes the rest on with the principal attached to the context.
func Authenticate(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			token, ok := accessToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing token")
				return
			}

			p, err := v.VerifyAccessToken(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := rbacauth.WithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accessToken prefers the Authorization header over cookies.
func accessToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	for _, name := range []string{AccessCookie, LegacyAccessCookie} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
