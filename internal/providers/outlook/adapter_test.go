package outlook

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

func TestReceivedFilter(t *testing.T) {
	since := time.Date(2026, 5, 1, 10, 30, 0, 0, time.FixedZone("X", 2*3600))
	if got := receivedFilter(since); got != "receivedDateTime gt 2026-05-01T08:30:00Z" {
		t.Fatalf("unexpected filter %q", got)
	}
}

func TestListRequestCapsTop(t *testing.T) {
	cfg := listRequest(time.Now(), 25)
	q := cfg.QueryParameters
	if q.Top == nil || *q.Top != 25 {
		t.Fatalf("expected top 25, got %v", q.Top)
	}
	if q.Filter == nil || len(q.Orderby) != 1 || q.Orderby[0] != "receivedDateTime asc" {
		t.Fatalf("unexpected query %+v", q)
	}
	if !(&Adapter{}).ListsOldestFirst() {
		t.Fatalf("ascending listing must report oldest first")
	}

	if top := *listRequest(time.Now(), 5000).QueryParameters.Top; top != 1000 {
		t.Fatalf("expected top capped at 1000, got %d", top)
	}
}

func TestToRef(t *testing.T) {
	m := models.NewMessage()
	id, conv := "AAMk-1", "conv-1"
	rcvd := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	m.SetId(&id)
	m.SetConversationId(&conv)
	m.SetReceivedDateTime(&rcvd)

	ref, ok := toRef(m)
	if !ok {
		t.Fatalf("expected ref")
	}
	if ref.ID != id || ref.ThreadID != conv || !ref.ReceivedAt.Equal(rcvd) {
		t.Fatalf("unexpected ref %+v", ref)
	}

	if _, ok := toRef(models.NewMessage()); ok {
		t.Fatalf("message without id must be skipped")
	}
}

func TestStaticTokenCredential(t *testing.T) {
	c := &staticTokenCredential{token: "abc"}
	tok, err := c.GetToken(context.Background(), policy.TokenRequestOptions{})
	if err != nil || tok.Token != "abc" {
		t.Fatalf("unexpected token %v %v", tok, err)
	}
}
