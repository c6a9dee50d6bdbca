package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"kioskadmin/internal/auth"
	"kioskadmin/internal/logs"
	"kioskadmin/internal/models"
)

// ContextLoader builds the acting user's context from token claims.
type ContextLoader interface {
	LoadContext(ctx context.Context, userID uint) (auth.Context, error)
}

type claimsKey struct{}

// Authenticate requires a valid, unrevoked bearer token and stores the
// caller's auth.Context and claims in the request context.
func Authenticate(tokens *auth.TokenManager, revoker auth.Revoker, users ContextLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", nil)
				return
			}
			claims, err := tokens.Parse(raw)
			if err != nil {
				detail := "invalid token"
				if errors.Is(err, auth.ErrTokenExpired) {
					detail = "token expired"
				}
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail, nil)
				return
			}
			if revoker != nil {
				revoked, err := revoker.IsRevoked(r.Context(), claims.ID)
				if err != nil {
					logs.WithContext(r.Context()).Errorf("revocation check: %v", err)
					models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "cannot verify token", nil)
					return
				}
				if revoked {
					models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "token revoked", nil)
					return
				}
			}
			ac, err := users.LoadContext(r.Context(), claims.UserID)
			if err != nil {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "unknown user", nil)
				return
			}
			ctx := auth.WithContext(r.Context(), ac)
			ctx = context.WithValue(ctx, claimsKey{}, claims)
			ctx = logs.WithUser(ctx, ac.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}

// Actor returns the authenticated caller, or an anonymous context.
func Actor(r *http.Request) auth.Context {
	ac, _ := auth.FromContext(r.Context())
	return ac
}

func Claims(r *http.Request) (*auth.Claims, bool) {
	c, ok := r.Context().Value(claimsKey{}).(*auth.Claims)
	return c, ok
}
