package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
)

// Provider is the provider name stamped on fetched messages.
const Provider = "google"

// Adapter lists and fetches Gmail messages for one mailbox
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates a Gmail adapter authorized with accessToken. Extra options
// are applied after the default client, so tests can swap the endpoint.
func New(ctx context.Context, accessToken string, opts ...option.ClientOption) (*Adapter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, ts)

	all := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, user: "me"}, nil
}

// ListsOldestFirst reports false: Gmail lists newest first.
func (a *Adapter) ListsOldestFirst() bool { return false }

// ListSince lists message ids received after since, newest first, capped
// at maxResults.
func (a *Adapter) ListSince(ctx context.Context, since time.Time, maxResults int) ([]mail.MessageRef, error) {
	if maxResults <= 0 {
		return nil, nil
	}

	call := a.svc.Users.Messages.List(a.user).
		Q(afterQuery(since)).
		IncludeSpamTrash(false)

	var (
		refs      []mail.MessageRef
		pageToken string
	)
	for len(refs) < maxResults {
		remaining := maxResults - len(refs)
		c := call.MaxResults(int64(min(remaining, 500))).Context(ctx)
		if pageToken != "" {
			c = c.PageToken(pageToken)
		}
		page, err := c.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range page.Messages {
			if len(refs) == maxResults {
				break
			}
			refs = append(refs, mail.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return refs, nil
}

// FetchFull fetches the raw RFC 822 form of ref.
func (a *Adapter) FetchFull(ctx context.Context, ref mail.MessageRef) (*mail.RawMessage, error) {
	m, err := a.svc.Users.Messages.Get(a.user, ref.ID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", ref.ID, err)
	}

	mime, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", ref.ID, err)
	}

	raw := &mail.RawMessage{
		Provider: Provider,
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Labels:   m.LabelIds,
		MIME:     mime,
	}
	if m.InternalDate > 0 {
		raw.ReceivedAt = time.UnixMilli(m.InternalDate).UTC()
	}
	return raw, nil
}

// afterQuery builds Gmail's incremental search filter.
func afterQuery(since time.Time) string {
	return fmt.Sprintf("after:%d", since.Unix())
}

// decodeRaw accepts Gmail's base64url payload with or without padding.
func decodeRaw(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
