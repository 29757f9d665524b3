package display

import (
	"bytes"
	"strings"
	"testing"

	mailsync "github.com/Martian-dev/inbox-sentinel/internal/sync"
)

func TestSummary(t *testing.T) {
	s := &mailsync.RunSummary{
		RunID:                "run-1",
		Synced:               1,
		Total:                2,
		TotalEmailsProcessed: 7,
		TotalThreatsFound:    2,
		Duration:             1500,
		TimedOut:             true,
		Integrations: []mailsync.IntegrationResult{
			{IntegrationID: "int-a", Provider: "google", EmailsProcessed: 7, ThreatsFound: 2},
			{IntegrationID: "int-b", Provider: "microsoft", Error: "token_refresh_failed: invalid_grant"},
		},
		ErrorHistogram: map[mailsync.Category]int{mailsync.CategoryAuthentication: 1},
		ErrorSamples:   map[mailsync.Category][]string{mailsync.CategoryAuthentication: {"token_refresh_failed: invalid_grant"}},
	}

	var buf bytes.Buffer
	Summary(&buf, s)
	out := buf.String()

	for _, want := range []string{"run-1", "1/2 integrations synced", "7 processed", "2 threats", "int-b", "invalid_grant", "authentication", "budget exhausted"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdefghij", 6); got != "abc..." {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("short strings are kept, got %q", got)
	}
}
