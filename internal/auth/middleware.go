package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aiox-platform/usagegate/internal/api"
)

type contextKey string

const AdminClaimsKey contextKey = "admin_claims"

// Middleware guards the admin routes. Requests need an
// "Authorization: Bearer <token>" header carrying a valid admin token.
func Middleware(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="usagegate"`)
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := jwtMgr.Validate(token)
			if err != nil {
				slog.Debug("auth: rejecting admin token", "error", err, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="usagegate", error="invalid_token"`)
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AdminClaimsKey, claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// GetAdminClaims returns the claims stored by Middleware, or nil.
func GetAdminClaims(ctx context.Context) *AdminClaims {
	claims, _ := ctx.Value(AdminClaimsKey).(*AdminClaims)
	return claims
}
