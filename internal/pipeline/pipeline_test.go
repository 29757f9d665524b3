package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
	"github.com/Martian-dev/inbox-sentinel/internal/store"
)

const sampleMIME = "From: \"Billing Team\" <Billing@Example.com>\r\n" +
	"To: victim@corp.test\r\n" +
	"Reply-To: attacker@evil.test\r\n" +
	"Subject: Invoice overdue\r\n" +
	"Date: Fri, 01 May 2026 09:15:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please pay now.\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"\r\n" +
	"PDFDATA\r\n" +
	"--b1--\r\n"

func TestParse(t *testing.T) {
	parsed, err := Parse(&mail.RawMessage{Provider: "google", ID: "m1", ThreadID: "t1", MIME: []byte(sampleMIME)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Subject != "Invoice overdue" {
		t.Fatalf("unexpected subject %q", parsed.Subject)
	}
	if parsed.From.Email != "billing@example.com" || parsed.From.Name != "Billing Team" {
		t.Fatalf("unexpected from %+v", parsed.From)
	}
	if len(parsed.ReplyTo) != 1 || parsed.ReplyTo[0].Email != "attacker@evil.test" {
		t.Fatalf("unexpected reply-to %+v", parsed.ReplyTo)
	}
	if parsed.InternetMessageID != "abc123@example.com" {
		t.Fatalf("unexpected message id %q", parsed.InternetMessageID)
	}
	if !strings.Contains(parsed.TextBody, "Please pay now.") {
		t.Fatalf("unexpected body %q", parsed.TextBody)
	}
	if len(parsed.Attachments) != 1 || parsed.Attachments[0].Filename != "invoice.pdf" {
		t.Fatalf("unexpected attachments %+v", parsed.Attachments)
	}
	want := time.Date(2026, 5, 1, 9, 15, 0, 0, time.UTC)
	if !parsed.Date.Equal(want) || !parsed.ReceivedAt.Equal(want) {
		t.Fatalf("unexpected dates %s %s", parsed.Date, parsed.ReceivedAt)
	}
}

func TestAttachmentsLeavesEnvelopeIntact(t *testing.T) {
	attached := make([]*enmime.Part, 1, 4)
	attached[0] = &enmime.Part{FileName: "invoice.pdf", ContentType: "application/pdf", Content: []byte("PDF")}
	env := &enmime.Envelope{
		Attachments: attached,
		Inlines:     []*enmime.Part{{FileName: "logo.png", ContentType: "image/png"}},
	}

	got := attachments(env)
	if len(got) != 2 || got[0].Filename != "invoice.pdf" || got[0].Size != 3 || got[1].Filename != "logo.png" {
		t.Fatalf("unexpected attachments %+v", got)
	}
	if len(env.Attachments) != 1 || attached[:2][1] != nil {
		t.Fatalf("envelope attachments were modified")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(&mail.RawMessage{ID: "m1"}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestParseRejectsHeaderlessContent(t *testing.T) {
	_, err := Parse(&mail.RawMessage{ID: "m1", MIME: []byte("X-Junk: 1\r\n\r\njust text")})
	if !errors.Is(err, ErrNotRFC822) {
		t.Fatalf("expected ErrNotRFC822, got %v", err)
	}
}

type fakeAnalyzer struct {
	verdict *mail.Verdict
	err     error
	opts    AnalyzeOptions
	tenant  string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, email *mail.ParsedEmail, tenantID string, opts AnalyzeOptions) (*mail.Verdict, error) {
	f.opts = opts
	f.tenant = tenantID
	return f.verdict, f.err
}

type fakeVerdicts struct {
	recs []store.VerdictRecord
	err  error
}

func (f *fakeVerdicts) StoreVerdict(ctx context.Context, rec store.VerdictRecord) error {
	if f.err != nil {
		return f.err
	}
	f.recs = append(f.recs, rec)
	return nil
}

func TestProcessStoresVerdict(t *testing.T) {
	an := &fakeAnalyzer{verdict: &mail.Verdict{Classification: "phishing", Score: 0.8, OverallScore: 0.9}}
	vs := &fakeVerdicts{}
	a := NewAdapter(an, vs, true)

	v, err := a.Process(context.Background(), &mail.RawMessage{Provider: "google", ID: "m1", MIME: []byte(sampleMIME)}, "tenant-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if v.Classification != "phishing" {
		t.Fatalf("unexpected verdict %+v", v)
	}
	if !an.opts.SkipExpensiveAnalysis || an.tenant != "tenant-1" {
		t.Fatalf("analyzer called with %+v for %s", an.opts, an.tenant)
	}
	if len(vs.recs) != 1 {
		t.Fatalf("expected one stored verdict, got %d", len(vs.recs))
	}
	rec := vs.recs[0]
	if rec.TenantID != "tenant-1" || rec.MessageID != "m1" || rec.Sender != "billing@example.com" || rec.ReceivedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcessStageErrors(t *testing.T) {
	raw := &mail.RawMessage{Provider: "google", ID: "m1", MIME: []byte(sampleMIME)}

	a := NewAdapter(&fakeAnalyzer{}, &fakeVerdicts{}, true)
	if _, err := a.Process(context.Background(), &mail.RawMessage{ID: "m2"}, "t"); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}

	a = NewAdapter(&fakeAnalyzer{err: errors.New("detector returned status 503")}, &fakeVerdicts{}, true)
	if _, err := a.Process(context.Background(), raw, "t"); !errors.Is(err, ErrAnalyze) {
		t.Fatalf("expected ErrAnalyze, got %v", err)
	}

	a = NewAdapter(&fakeAnalyzer{verdict: &mail.Verdict{Classification: "benign"}}, &fakeVerdicts{err: errors.New("disk full")}, true)
	if _, err := a.Process(context.Background(), raw, "t"); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
}

func TestDetectorClientAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.TenantID != "tenant-1" || !req.Options.SkipExpensiveAnalysis || req.Email.Subject != "hello" {
			t.Errorf("unexpected payload %+v", req)
		}
		_, _ = w.Write([]byte(`{"classification":"suspicious","score":0.4,"overallScore":0.55}`))
	}))
	defer srv.Close()

	c := NewDetectorClient(srv.URL+"/", time.Second)
	v, err := c.Analyze(context.Background(), &mail.ParsedEmail{Subject: "hello"}, "tenant-1", AnalyzeOptions{SkipExpensiveAnalysis: true})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if v.Classification != "suspicious" || v.OverallScore != 0.55 {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestDetectorClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewDetectorClient(srv.URL, time.Second).Analyze(context.Background(), &mail.ParsedEmail{}, "t", AnalyzeOptions{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestVerdictIsThreat(t *testing.T) {
	cases := []struct {
		v    mail.Verdict
		want bool
	}{
		{mail.Verdict{Classification: "benign", OverallScore: 0.99}, false},
		{mail.Verdict{Classification: "phishing", OverallScore: 0.7}, true},
		{mail.Verdict{Classification: "phishing", OverallScore: 0.69}, false},
	}
	for _, c := range cases {
		if got := c.v.IsThreat(0.7); got != c.want {
			t.Fatalf("%+v: expected %v, got %v", c.v, c.want, got)
		}
	}
}
