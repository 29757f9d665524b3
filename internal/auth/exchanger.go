package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

// ClientConfig is one provider's OAuth application.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Endpoint     oauth2.Endpoint
	Scopes       []string
}

// OAuthExchanger refreshes tokens against each provider's token endpoint.
type OAuthExchanger struct {
	configs    map[integration.Provider]*oauth2.Config
	httpClient *http.Client
}

// NewOAuthExchanger builds an exchanger for the configured providers.
func NewOAuthExchanger(clients map[integration.Provider]ClientConfig) *OAuthExchanger {
	configs := make(map[integration.Provider]*oauth2.Config, len(clients))
	for p, c := range clients {
		configs[p] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURI,
			Endpoint:     c.Endpoint,
			Scopes:       c.Scopes,
		}
	}
	return &OAuthExchanger{
		configs:    configs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Refresh exchanges refreshToken for a new token pair.
func (e *OAuthExchanger) Refresh(ctx context.Context, provider integration.Provider, refreshToken string) (*Token, error) {
	cfg, ok := e.configs[provider]
	if !ok || cfg.ClientID == "" {
		return nil, fmt.Errorf("no oauth client configured for %s", provider)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	// An empty access token forces the source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("exchange refresh token: %w", err)
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}

	// The oauth2 source carries the old refresh token forward when the
	// provider does not rotate it; report rotation only when it changed.
	rotated := tok.RefreshToken
	if rotated == refreshToken {
		rotated = ""
	}

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: rotated,
		TokenType:    tok.TokenType,
		Expiry:       expiry,
	}, nil
}
