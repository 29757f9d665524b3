package main

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/inbox-sentinel/internal/audit"
	"github.com/Martian-dev/inbox-sentinel/internal/auth"
	"github.com/Martian-dev/inbox-sentinel/internal/integration"
	"github.com/Martian-dev/inbox-sentinel/internal/pipeline"
	"github.com/Martian-dev/inbox-sentinel/internal/store"
	mailsync "github.com/Martian-dev/inbox-sentinel/internal/sync"
	"github.com/Martian-dev/inbox-sentinel/internal/vault"
)

// app is the wired sync worker shared by serve and sync.
type app struct {
	store   *store.Store
	manager *mailsync.Manager
}

func newApp(ctx context.Context) (*app, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sealer, err := vault.NewFromBase64(cfg.CredentialKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("credential key: %w", err)
	}

	exchanger := auth.NewOAuthExchanger(map[integration.Provider]auth.ClientConfig{
		integration.ProviderGoogle: {
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURI:  cfg.Google.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmailapi.GmailReadonlyScope},
		},
		integration.ProviderMicrosoft: {
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURI:  cfg.Microsoft.RedirectURI,
			Endpoint:     microsoft.AzureADEndpoint(cfg.MicrosoftTenant),
			Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
		},
	})
	tokens := auth.NewManager(st, sealer, exchanger, cfg.Sync.RefreshSkew, log)

	detector := pipeline.NewDetectorClient(cfg.DetectorURL, cfg.DetectorTimeout)
	runner := &mailsync.Runner{
		Tokens:    tokens,
		Providers: mailsync.NewProvider,
		Pipeline:  pipeline.NewAdapter(detector, st, cfg.Sync.SkipExpensive),
		Store:     st,
		Config: mailsync.RunnerConfig{
			DefaultLookback: cfg.Sync.DefaultLookback,
			MaxResults:      cfg.Sync.MaxResults,
			ThreatThreshold: cfg.Sync.ThreatThreshold,
			ItemTimeout:     cfg.Sync.ItemTimeout,
		},
		Log: log,
	}

	healer := &mailsync.Healer{Store: st, Log: log}
	if cfg.ConnectionsURL != "" {
		healer.Connections = auth.NewConnectionDirectory(cfg.ConnectionsURL, cfg.ConnectionsAPIKey)
	} else {
		log.Warn("CONNECTIONS_URL not set; integrations without a connection reference will be skipped")
	}

	manager := mailsync.NewManager(st, healer, runner, audit.NewOutboxSink(st), mailsync.ManagerConfig{
		RunBudget:       cfg.Sync.RunBudget,
		MaxIntegrations: cfg.Sync.MaxIntegrations,
		MinInterval:     cfg.Sync.MinInterval,
		Concurrency:     cfg.Sync.Concurrency,
		LeaseTTL:        cfg.Sync.LeaseTTL,
	}, log)

	return &app{store: st, manager: manager}, nil
}

func (a *app) Close() {
	a.manager.StopAll()
	if err := a.store.Close(); err != nil {
		log.WithError(err).Warn("failed to close store")
	}
}
