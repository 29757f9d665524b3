package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrUnauthenticated is returned when a request carries no valid session.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller of an on-demand sync.
type Identity struct {
	UserID   string `json:"id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
}

// SessionVerifier authenticates an incoming request.
type SessionVerifier interface {
	Identify(r *http.Request) (*Identity, error)
}

// JWKSVerifier verifies session JWTs against a cached remote key set.
type JWKSVerifier struct {
	jwksURL     string
	tenantClaim string
	keySet      jwk.Set
}

// NewJWKSVerifier registers jwksURL with an auto-refreshing cache and warms
// it. The cache lives as long as ctx.
func NewJWKSVerifier(ctx context.Context, jwksURL, tenantClaim string) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWKSVerifier{
		jwksURL:     jwksURL,
		tenantClaim: tenantClaim,
		keySet:      jwk.NewCachedSet(cache, jwksURL),
	}, nil
}

// Identify parses and validates the bearer token on r.
func (v *JWKSVerifier) Identify(r *http.Request) (*Identity, error) {
	token, err := jwt.ParseRequest(r, jwt.WithKeySet(v.keySet), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := &Identity{UserID: token.Subject()}
	if claim, ok := token.Get(v.tenantClaim); ok {
		id.TenantID, _ = claim.(string)
	}
	if claim, ok := token.Get("email"); ok {
		id.Email, _ = claim.(string)
	}
	return id.check()
}

// HMACVerifier verifies HS256 session tokens signed with a shared secret.
type HMACVerifier struct {
	secret      []byte
	tenantClaim string
}

// NewHMACVerifier creates a shared-secret verifier
func NewHMACVerifier(secret, tenantClaim string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), tenantClaim: tenantClaim}
}

// Identify parses and validates the bearer token on r.
func (v *HMACVerifier) Identify(r *http.Request) (*Identity, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	token, err := gojwt.Parse(raw, func(token *gojwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, gojwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	id := &Identity{}
	id.UserID, _ = claims.GetSubject()
	id.TenantID, _ = claims[v.tenantClaim].(string)
	id.Email, _ = claims["email"].(string)
	return id.check()
}

func (id *Identity) check() (*Identity, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}
	if id.TenantID == "" {
		return nil, fmt.Errorf("%w: token missing tenant", ErrUnauthenticated)
	}
	return id, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
