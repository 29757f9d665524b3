package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
)

// Provider is the provider name stamped on fetched messages.
const Provider = "microsoft"

var listSelect = []string{"id", "conversationId", "receivedDateTime", "categories"}

// Adapter lists and fetches Outlook messages through Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter for the mailbox addressed by userID.
func New(ctx context.Context, accessToken, userID string) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client: client,
		userID: userID,
	}, nil
}

// ListSince lists messages received after since, oldest first, capped at
// maxResults.
func (a *Adapter) ListSince(ctx context.Context, since time.Time, maxResults int) ([]mail.MessageRef, error) {
	if maxResults <= 0 {
		return nil, nil
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, listRequest(since, maxResults))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	msgs := result.GetValue()
	refs := make([]mail.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		ref, ok := toRef(m)
		if !ok {
			continue
		}
		refs = append(refs, ref)
		if len(refs) == maxResults {
			break
		}
	}
	return refs, nil
}

// FetchFull fetches the MIME content of ref via /messages/{id}/$value.
func (a *Adapter) FetchFull(ctx context.Context, ref mail.MessageRef) (*mail.RawMessage, error) {
	content, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(ref.ID).Content().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", ref.ID, err)
	}

	return &mail.RawMessage{
		Provider:   Provider,
		ID:         ref.ID,
		ThreadID:   ref.ThreadID,
		ReceivedAt: ref.ReceivedAt,
		MIME:       content,
	}, nil
}

// ListsOldestFirst reports that listings are ordered by ascending
// receivedDateTime.
func (a *Adapter) ListsOldestFirst() bool { return true }

// listRequest builds the incremental Graph query.
func listRequest(since time.Time, maxResults int) *users.ItemMessagesRequestBuilderGetRequestConfiguration {
	filter := receivedFilter(since)
	return &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Filter:  &filter,
			Orderby: []string{"receivedDateTime asc"},
			Top:     Int32Ptr(int32(min(maxResults, 1000))),
			Select:  listSelect,
		},
	}
}

func receivedFilter(since time.Time) string {
	return "receivedDateTime gt " + since.UTC().Format(time.RFC3339)
}

// toRef converts a listed Graph message to a MessageRef
func toRef(m models.Messageable) (mail.MessageRef, bool) {
	if m == nil {
		return mail.MessageRef{}, false
	}
	id := m.GetId()
	if id == nil || *id == "" {
		return mail.MessageRef{}, false
	}

	ref := mail.MessageRef{ID: *id}
	if convID := m.GetConversationId(); convID != nil {
		ref.ThreadID = *convID
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		ref.ReceivedAt = rcvd.UTC()
	}
	return ref, true
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
