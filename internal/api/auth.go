package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

// ErrUnauthorized is returned by an Authorizer that rejects a request.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer decides whether a request may reach the API.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// AuthConfig configures the default token authorizer.
type AuthConfig struct {
	TokenEnv       string `yaml:"token_env"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
}

// DefaultAuthConfig returns sensible defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{TokenEnv: "ALERTFORGE_API_TOKEN"}
}

// TokenAuthorizer accepts a static token as "Authorization: Bearer <token>"
// or "X-API-Key: <token>". With no token configured every request is refused
// unless anonymous access is enabled.
type TokenAuthorizer struct {
	token          string
	allowAnonymous bool
}

// NewTokenAuthorizer reads the token from the configured environment
// variable.
func NewTokenAuthorizer(cfg AuthConfig) *TokenAuthorizer {
	var token string
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	return &TokenAuthorizer{token: token, allowAnonymous: cfg.AllowAnonymous}
}

// Authorize implements Authorizer.
func (a *TokenAuthorizer) Authorize(r *http.Request) error {
	if a.token == "" {
		if a.allowAnonymous {
			return nil
		}
		return ErrUnauthorized
	}

	presented := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); presented == "" && strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func authMiddleware(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(r); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
