package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func requestWithToken(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/integrations/sync", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func signHMAC(t *testing.T, secret string, claims gojwt.MapClaims) string {
	t.Helper()
	s, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestHMACVerifierIdentify(t *testing.T) {
	v := NewHMACVerifier("shh", "tenant_id")
	tok := signHMAC(t, "shh", gojwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"email":     "u@example.com",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Identify(requestWithToken(tok))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.UserID != "user-1" || id.TenantID != "tenant-1" || id.Email != "u@example.com" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestHMACVerifierRejects(t *testing.T) {
	v := NewHMACVerifier("shh", "tenant_id")
	cases := map[string]string{
		"missing header": "",
		"wrong secret":   signHMAC(t, "other", gojwt.MapClaims{"sub": "u", "tenant_id": "t"}),
		"expired":        signHMAC(t, "shh", gojwt.MapClaims{"sub": "u", "tenant_id": "t", "exp": time.Now().Add(-time.Hour).Unix()}),
		"missing tenant": signHMAC(t, "shh", gojwt.MapClaims{"sub": "u"}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Identify(requestWithToken(tok)); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestJWKSVerifierIdentify(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	_ = priv.Set(jwk.KeyIDKey, "k1")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	_ = pub.Set(jwk.KeyIDKey, "k1")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, _ := json.Marshal(set)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSVerifier(ctx, srv.URL, "org_id")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	tok, _ := jwt.NewBuilder().
		Subject("user-9").
		Expiration(time.Now().Add(time.Hour)).
		Claim("org_id", "tenant-9").
		Build()
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := v.Identify(requestWithToken(string(signed)))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.UserID != "user-9" || id.TenantID != "tenant-9" {
		t.Fatalf("unexpected identity %+v", id)
	}

	if _, err := v.Identify(requestWithToken("garbage")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := BearerToken(r); ok {
		t.Fatalf("expected no token")
	}
	r.Header.Set("Authorization", "bearer abc")
	if tok, ok := BearerToken(r); !ok || tok != "abc" {
		t.Fatalf("expected abc, got %q %v", tok, ok)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(r); ok {
		t.Fatalf("basic auth must not be accepted")
	}
}
