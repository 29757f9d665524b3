package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
	"github.com/Martian-dev/inbox-sentinel/internal/mail"
	"github.com/Martian-dev/inbox-sentinel/internal/providers/gmail"
	"github.com/Martian-dev/inbox-sentinel/internal/providers/outlook"
)

// MailProvider interface for provider-agnostic incremental listing and fetch
type MailProvider interface {
	// ListSince returns at most maxResults messages received after since.
	ListSince(ctx context.Context, since time.Time, maxResults int) ([]mail.MessageRef, error)

	// FetchFull returns the full RFC 822 content of one message.
	FetchFull(ctx context.Context, ref mail.MessageRef) (*mail.RawMessage, error)
}

// OrderedLister is implemented by providers that can report the order of
// their listings.
type OrderedLister interface {
	// ListsOldestFirst reports whether ListSince returns messages in
	// ascending receive time.
	ListsOldestFirst() bool
}

func listsOldestFirst(p MailProvider) bool {
	o, ok := p.(OrderedLister)
	return ok && o.ListsOldestFirst()
}

// ProviderFactory creates a MailProvider for an integration
type ProviderFactory func(ctx context.Context, in *integration.Integration, accessToken string) (MailProvider, error)

// NewProvider is the production ProviderFactory.
func NewProvider(ctx context.Context, in *integration.Integration, accessToken string) (MailProvider, error) {
	switch in.Provider {
	case integration.ProviderGoogle:
		a, err := gmail.New(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		return a, nil
	case integration.ProviderMicrosoft:
		a, err := outlook.New(ctx, accessToken, in.ExternalUserID)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", in.Provider)
	}
}
