package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jkaninda/toolexec/internal/execution"
)

// DefaultTenant is assigned to every caller when authentication is disabled.
const DefaultTenant = "default"

var (
	// ErrMissingCredentials is returned when no bearer token is presented.
	ErrMissingCredentials = errors.New("missing or invalid Authorization header")
	// ErrInvalidCredentials is returned when the token matches no key and is not a valid JWT.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the identity bound to a static API key.
type Principal struct {
	TenantID string
	UserID   string
}

// Auth resolves the caller of a request from a bearer token. A token is
// first compared against the static API keys, then verified as an HS256
// JWT carrying "tenant" and "sub" claims.
type Auth struct {
	keys   map[string]Principal
	secret []byte
}

// NewAuth builds an authenticator. With no keys and an empty secret every
// request is accepted as the default tenant.
func NewAuth(keys map[string]Principal, jwtSecret string) *Auth {
	return &Auth{keys: keys, secret: []byte(jwtSecret)}
}

// Enabled reports whether credentials are required.
func (a *Auth) Enabled() bool {
	return a != nil && (len(a.keys) > 0 || len(a.secret) > 0)
}

// Authenticate returns the caller identity for r.
func (a *Auth) Authenticate(r *http.Request) (execution.Caller, error) {
	if !a.Enabled() {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			tenant = DefaultTenant
		}
		return execution.Caller{TenantID: tenant, UserID: r.Header.Get("X-User-ID")}, nil
	}

	token := bearerToken(r)
	if token == "" {
		return execution.Caller{}, ErrMissingCredentials
	}

	var (
		found bool
		p     Principal
	)
	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			found, p = true, principal
		}
	}
	if found {
		return execution.Caller{TenantID: p.TenantID, UserID: p.UserID}, nil
	}

	if len(a.secret) == 0 {
		return execution.Caller{}, ErrInvalidCredentials
	}
	return a.parseJWT(token)
}

func (a *Auth) parseJWT(token string) (execution.Caller, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return execution.Caller{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	tenant, _ := claims["tenant"].(string)
	if tenant == "" {
		return execution.Caller{}, fmt.Errorf("%w: token has no tenant claim", ErrInvalidCredentials)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return execution.Caller{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return execution.Caller{TenantID: tenant, UserID: sub}, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
