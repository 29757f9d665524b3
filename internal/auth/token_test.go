package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
	"github.com/Martian-dev/inbox-sentinel/internal/vault"
)

var now0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeExchanger struct {
	calls atomic.Int32
	tok   *Token
	err   error
	delay time.Duration
}

func (f *fakeExchanger) Refresh(ctx context.Context, provider integration.Provider, refreshToken string) (*Token, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.tok, nil
}

type fakeCredStore struct {
	mu      sync.Mutex
	updates int
	sealed  string
	expiry  time.Time
	err     error
}

func (f *fakeCredStore) UpdateCredentials(ctx context.Context, id, sealed string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates++
	f.sealed = sealed
	f.expiry = expiresAt
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testCipher(t *testing.T) *vault.Cipher {
	t.Helper()
	c, err := vault.New(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return c
}

func sealedIntegration(t *testing.T, c *vault.Cipher, expires time.Time, refresh string) *integration.Integration {
	t.Helper()
	data, err := integration.EncodeCredentials(integration.Credentials{AccessToken: "old-access", RefreshToken: refresh, ExpiresAt: expires})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sealed, err := c.Seal(data)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return &integration.Integration{
		ID:                  "int-1",
		TenantID:            "tenant-1",
		Provider:            integration.ProviderGoogle,
		Sealed:              sealed,
		CredentialExpiresAt: expires,
	}
}

func newTestManager(store CredentialStore, c *vault.Cipher, ex Exchanger) *Manager {
	m := NewManager(store, c, ex, 5*time.Minute, quietLogger())
	m.SetClock(func() time.Time { return now0 })
	return m
}

func TestEnsureFreshSkipsNetworkWhenValid(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{}
	store := &fakeCredStore{}
	m := newTestManager(store, c, ex)

	in := sealedIntegration(t, c, now0.Add(time.Hour), "rt")
	tok, err := m.EnsureFresh(context.Background(), in)
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if tok != "old-access" {
		t.Fatalf("expected stored token, got %q", tok)
	}
	if ex.calls.Load() != 0 || store.updates != 0 {
		t.Fatalf("expected no refresh, got %d calls %d updates", ex.calls.Load(), store.updates)
	}
}

func TestEnsureFreshRefreshesWithinSkew(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{tok: &Token{AccessToken: "new-access", Expiry: now0.Add(time.Hour)}}
	store := &fakeCredStore{}
	m := newTestManager(store, c, ex)

	in := sealedIntegration(t, c, now0.Add(2*time.Minute), "rt-original")
	tok, err := m.EnsureFresh(context.Background(), in)
	if err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if tok != "new-access" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}
	if ex.calls.Load() != 1 || store.updates != 1 {
		t.Fatalf("expected exactly one refresh, got %d calls %d updates", ex.calls.Load(), store.updates)
	}
	if !store.expiry.Equal(now0.Add(time.Hour)) || !in.CredentialExpiresAt.Equal(now0.Add(time.Hour)) {
		t.Fatalf("expiry not propagated: store=%s snapshot=%s", store.expiry, in.CredentialExpiresAt)
	}

	plain, err := c.Open(store.sealed)
	if err != nil {
		t.Fatalf("open persisted: %v", err)
	}
	creds, err := integration.DecodeCredentials(plain)
	if err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if creds.RefreshToken != "rt-original" {
		t.Fatalf("expected original refresh token to be kept, got %q", creds.RefreshToken)
	}
}

func TestEnsureFreshStoresRotatedRefreshToken(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{tok: &Token{AccessToken: "new-access", RefreshToken: "rt-rotated", Expiry: now0.Add(time.Hour)}}
	store := &fakeCredStore{}
	m := newTestManager(store, c, ex)

	in := sealedIntegration(t, c, now0.Add(-time.Minute), "rt-original")
	if _, err := m.EnsureFresh(context.Background(), in); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	plain, _ := c.Open(store.sealed)
	creds, _ := integration.DecodeCredentials(plain)
	if creds.RefreshToken != "rt-rotated" {
		t.Fatalf("expected rotated refresh token, got %q", creds.RefreshToken)
	}
}

func TestEnsureFreshFailureIsTokenRefreshError(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{err: errors.New("invalid_grant: token revoked")}
	store := &fakeCredStore{}
	m := newTestManager(store, c, ex)

	in := sealedIntegration(t, c, now0.Add(-time.Minute), "rt")
	before := in.Sealed
	_, err := m.EnsureFresh(context.Background(), in)
	if !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("expected ErrTokenRefresh, got %v", err)
	}
	if store.updates != 0 || in.Sealed != before {
		t.Fatalf("failed refresh must not persist anything")
	}
}

func TestEnsureFreshWithoutRefreshToken(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{}
	m := newTestManager(&fakeCredStore{}, c, ex)

	in := sealedIntegration(t, c, now0.Add(-time.Minute), "")
	if _, err := m.EnsureFresh(context.Background(), in); !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("expected ErrTokenRefresh, got %v", err)
	}
	if ex.calls.Load() != 0 {
		t.Fatalf("exchanger should not be called without a refresh token")
	}
}

func TestEnsureFreshPersistFailure(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{tok: &Token{AccessToken: "new", Expiry: now0.Add(time.Hour)}}
	m := newTestManager(&fakeCredStore{err: errors.New("db down")}, c, ex)

	in := sealedIntegration(t, c, now0.Add(-time.Minute), "rt")
	if _, err := m.EnsureFresh(context.Background(), in); !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("expected ErrTokenRefresh, got %v", err)
	}
}

func TestEnsureFreshRejectsCorruptEnvelope(t *testing.T) {
	c := testCipher(t)
	m := newTestManager(&fakeCredStore{}, c, &fakeExchanger{})

	in := &integration.Integration{ID: "x", Sealed: "not-a-sealed-value", CredentialExpiresAt: now0.Add(time.Hour)}
	if _, err := m.EnsureFresh(context.Background(), in); !errors.Is(err, ErrTokenRefresh) {
		t.Fatalf("expected ErrTokenRefresh, got %v", err)
	}
}

func TestEnsureFreshSharesConcurrentRefresh(t *testing.T) {
	c := testCipher(t)
	ex := &fakeExchanger{tok: &Token{AccessToken: "new", Expiry: now0.Add(time.Hour)}, delay: 50 * time.Millisecond}
	store := &fakeCredStore{}
	m := newTestManager(store, c, ex)

	base := sealedIntegration(t, c, now0.Add(-time.Minute), "rt")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *base
			if _, err := m.EnsureFresh(context.Background(), &snapshot); err != nil {
				t.Errorf("ensure fresh: %v", err)
			}
		}()
	}
	wg.Wait()

	if ex.calls.Load() != 1 {
		t.Fatalf("expected one shared refresh, got %d", ex.calls.Load())
	}
}
