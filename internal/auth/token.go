package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

// ErrTokenRefresh marks every failure to produce a usable access token.
var ErrTokenRefresh = errors.New("token refresh failed")

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Exchanger trades a refresh token for a new token pair at the provider.
type Exchanger interface {
	Refresh(ctx context.Context, provider integration.Provider, refreshToken string) (*Token, error)
}

// Sealer encrypts credential envelopes at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// CredentialStore persists a refreshed credential in one atomic write.
type CredentialStore interface {
	UpdateCredentials(ctx context.Context, id, sealed string, expiresAt time.Time) error
}

// Manager hands out fresh access tokens for integrations, refreshing and
// persisting them when they are about to expire.
type Manager struct {
	store     CredentialStore
	sealer    Sealer
	exchanger Exchanger
	skew      time.Duration
	now       func() time.Time
	log       *logrus.Logger

	group singleflight.Group
}

// NewManager creates a token lifecycle manager
func NewManager(store CredentialStore, sealer Sealer, exchanger Exchanger, skew time.Duration, log *logrus.Logger) *Manager {
	return &Manager{
		store:     store,
		sealer:    sealer,
		exchanger: exchanger,
		skew:      skew,
		now:       time.Now,
		log:       log,
	}
}

// SetClock overrides the manager's time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

type refreshed struct {
	sealed    string
	expiresAt time.Time
	access    string
}

// EnsureFresh returns a usable access token for in. A token that is valid
// beyond the refresh skew is returned without any network call. Otherwise
// the refresh token is exchanged and the new pair is persisted before the
// access token is returned. On success in is updated to the stored state.
func (m *Manager) EnsureFresh(ctx context.Context, in *integration.Integration) (string, error) {
	creds, err := m.open(in.Sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}

	if m.now().Before(in.CredentialExpiresAt.Add(-m.skew)) {
		return creds.AccessToken, nil
	}

	v, err, _ := m.group.Do(in.ID, func() (any, error) {
		return m.refresh(ctx, in, creds)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}

	r := v.(*refreshed)
	in.Sealed = r.sealed
	in.CredentialExpiresAt = r.expiresAt
	return r.access, nil
}

func (m *Manager) refresh(ctx context.Context, in *integration.Integration, creds *integration.Credentials) (*refreshed, error) {
	if creds.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}

	tok, err := m.exchanger.Refresh(ctx, in.Provider, creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("provider returned empty access token")
	}

	next := integration.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry.UTC(),
		Scopes:       creds.Scopes,
	}
	// Some providers only issue a refresh token on consent.
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	data, err := integration.EncodeCredentials(next)
	if err != nil {
		return nil, err
	}
	sealed, err := m.sealer.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	if err := m.store.UpdateCredentials(ctx, in.ID, sealed, next.ExpiresAt); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"integration_id": in.ID,
		"tenant_id":      in.TenantID,
		"provider":       in.Provider,
		"expires_at":     next.ExpiresAt,
		"rotated":        tok.RefreshToken != "",
	}).Info("refreshed provider credentials")

	return &refreshed{sealed: sealed, expiresAt: next.ExpiresAt, access: next.AccessToken}, nil
}

func (m *Manager) open(sealed string) (*integration.Credentials, error) {
	plain, err := m.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	return integration.DecodeCredentials(plain)
}
