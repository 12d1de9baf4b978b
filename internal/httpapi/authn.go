package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"vms.org/internal/auth"
	"vms.org/internal/identity"
)

const (
	authHeader       = "Authorization"
	bearer           = "Bearer "
	accessTokenParam = "access_token"
)

type userCtxKey struct{}

func (a *API) authenticate(next http.Handler) http.Handler {
	return a.authenticateWith(next, false)
}

func (a *API) authenticateStream(next http.Handler) http.Handler {
	return a.authenticateWith(next, true)
}

// authenticateWith resolves the bearer token to the stored user on every
// request, so role and status changes apply immediately.
func (a *API) authenticateWith(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if allowQuery && strings.TrimSpace(header) == "" {
			if t := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); t != "" {
				header = bearer + t
			}
		}
		token, err := extractBearerToken(header)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}

		u, err := a.identity.AuthenticateToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidToken):
				unauthorized(w, r, "invalid token")
			case errors.Is(err, identity.ErrNotApproved):
				writeError(w, r, http.StatusForbidden, "account not approved")
			default:
				handleError(w, r, err)
			}
			return
		}

		ctx := auth.ContextWithUser(r.Context(), u.ID, string(u.Role))
		ctx = context.WithValue(ctx, userCtxKey{}, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := currentUser(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			for _, role := range roles {
				if u.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, "insufficient role")
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="vms"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func currentUser(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(userCtxKey{}).(identity.User)
	return u, ok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
