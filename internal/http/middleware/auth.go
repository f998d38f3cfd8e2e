// Package middleware holds the chi middleware specific to this API.
package middleware

import (
	"context"
	"errors"
	"net/http"

	appauth "github.com/DCGM/docbroker/internal/application/auth"
	"github.com/DCGM/docbroker/internal/domain"
	"github.com/DCGM/docbroker/internal/http/response"
)

type contextKey struct{}

var callerKey contextKey

// CallerFromContext returns the authenticated key stored by RequireRoles.
func CallerFromContext(ctx context.Context) *domain.Key {
	key, _ := ctx.Value(callerKey).(*domain.Key)
	return key
}

// extractAPIKey accepts the credential from the X-API-Key header, the
// api_key query parameter, or the api_key cookie, in that priority.
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	if cookie, err := r.Cookie("api_key"); err == nil {
		return cookie.Value
	}
	return ""
}

// Auth authenticates requests and enforces per-route roles.
type Auth struct {
	authenticator *appauth.Authenticator
	realm         string
}

// NewAuth builds the auth middleware factory.
func NewAuth(authenticator *appauth.Authenticator, realm string) *Auth {
	return &Auth{authenticator: authenticator, realm: realm}
}

// RequireRoles returns middleware that admits the listed roles (ADMIN is
// always admitted) and stores the caller key in the request context.
func (a *Auth) RequireRoles(roles ...domain.KeyRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := a.authenticator.Authenticate(r.Context(), extractAPIKey(r), roles...)
			if err != nil {
				a.reject(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Auth) reject(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appauth.ErrKeyMissing):
		w.Header().Set("WWW-Authenticate", `ApiKey realm="`+a.realm+`"`)
		response.Error(w, http.StatusUnauthorized, domain.CodeAPIKeyMissing,
			"Authentication failed: no API key was provided.", nil)
	case errors.Is(err, appauth.ErrKeyInvalid):
		w.Header().Set("WWW-Authenticate", `ApiKey realm="`+a.realm+`"`)
		response.Error(w, http.StatusUnauthorized, domain.CodeAPIKeyInvalid,
			"Authentication failed: the API key is invalid.", nil)
	case errors.Is(err, appauth.ErrKeyInactive):
		response.Error(w, http.StatusForbidden, domain.CodeAPIKeyInactive,
			"Authentication failed: the API key is inactive or revoked.", nil)
	case errors.Is(err, appauth.ErrRoleDenied):
		response.Error(w, http.StatusForbidden, domain.CodeAPIKeyRoleForbidden,
			"Access denied: the API key does not have the required role.", nil)
	default:
		response.Internal(w, r, err)
	}
}
