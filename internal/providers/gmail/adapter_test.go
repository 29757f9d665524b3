package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), "token",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestListSinceUsesAfterQueryAndCap(t *testing.T) {
	since := time.Unix(1767225600, 0)
	calls := 0
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("q"); got != "after:1767225600" {
			t.Errorf("unexpected query %q", got)
		}
		resp := map[string]any{
			"messages": []map[string]string{
				{"id": "m1", "threadId": "t1"},
				{"id": "m2", "threadId": "t2"},
			},
		}
		if r.URL.Query().Get("pageToken") == "" {
			resp["nextPageToken"] = "p2"
		} else {
			resp["messages"] = []map[string]string{{"id": "m3", "threadId": "t3"}, {"id": "m4", "threadId": "t4"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	refs, err := a.ListSince(context.Background(), since, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 refs, got %d", len(refs))
	}
	if refs[0].ID != "m1" || refs[2].ID != "m3" || refs[2].ThreadID != "t3" {
		t.Fatalf("unexpected refs %+v", refs)
	}
	if calls != 2 {
		t.Fatalf("expected 2 page calls, got %d", calls)
	}
}

func TestListSincePropagatesErrors(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Rate Limit Exceeded"}}`))
	})

	_, err := a.ListSince(context.Background(), time.Now(), 10)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestFetchFullDecodesRaw(t *testing.T) {
	mime := "From: a@example.com\r\nSubject: hi\r\n\r\nbody"
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "raw" {
			t.Errorf("expected raw format, got %q", r.URL.Query().Get("format"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"labelIds":     []string{"INBOX"},
			"internalDate": "1767225600000",
			"raw":          base64.RawURLEncoding.EncodeToString([]byte(mime)),
		})
	})

	raw, err := a.FetchFull(context.Background(), mail.MessageRef{ID: "m1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(raw.MIME) != mime {
		t.Fatalf("unexpected mime %q", raw.MIME)
	}
	if raw.Provider != Provider || raw.ThreadID != "t1" || len(raw.Labels) != 1 {
		t.Fatalf("unexpected raw message %+v", raw)
	}
	if !raw.ReceivedAt.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("unexpected received at %s", raw.ReceivedAt)
	}
}

func TestDecodeRawPadded(t *testing.T) {
	got, err := decodeRaw(base64.URLEncoding.EncodeToString([]byte("ab")))
	if err != nil || string(got) != "ab" {
		t.Fatalf("decode padded: %q %v", got, err)
	}
}
