package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
)

// AnalyzeOptions tunes one detection call.
type AnalyzeOptions struct {
	SkipExpensiveAnalysis bool `json:"skipExpensiveAnalysis"`
}

// Analyzer scores a parsed email for one tenant.
type Analyzer interface {
	Analyze(ctx context.Context, email *mail.ParsedEmail, tenantID string, opts AnalyzeOptions) (*mail.Verdict, error)
}

// DetectorClient calls the detection service over HTTP
type DetectorClient struct {
	baseURL string
	client  *http.Client
}

// NewDetectorClient creates a detection service client
func NewDetectorClient(baseURL string, timeout time.Duration) *DetectorClient {
	return &DetectorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	TenantID string            `json:"tenantId"`
	Email    *mail.ParsedEmail `json:"email"`
	Options  AnalyzeOptions    `json:"options"`
}

// Analyze posts email to {baseURL}/v1/analyze.
func (c *DetectorClient) Analyze(ctx context.Context, email *mail.ParsedEmail, tenantID string, opts AnalyzeOptions) (*mail.Verdict, error) {
	body, err := json.Marshal(analyzeRequest{TenantID: tenantID, Email: email, Options: opts})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var v mail.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Classification == "" {
		return nil, fmt.Errorf("detector returned verdict without classification")
	}
	return &v, nil
}
