// Package pipeline turns a fetched provider message into a stored verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/inbox-sentinel/internal/mail"
	"github.com/Martian-dev/inbox-sentinel/internal/store"
)

// Stage errors let the caller tell which step failed.
var (
	ErrParse   = errors.New("parse failed")
	ErrAnalyze = errors.New("analyze failed")
	ErrStore   = errors.New("store failed")
)

// VerdictStore persists verdicts keyed by tenant and provider message id.
type VerdictStore interface {
	StoreVerdict(ctx context.Context, rec store.VerdictRecord) error
}

// Adapter parses, analyzes and stores one message at a time.
type Adapter struct {
	analyzer      Analyzer
	verdicts      VerdictStore
	skipExpensive bool
}

// NewAdapter creates a pipeline adapter
func NewAdapter(analyzer Analyzer, verdicts VerdictStore, skipExpensive bool) *Adapter {
	return &Adapter{analyzer: analyzer, verdicts: verdicts, skipExpensive: skipExpensive}
}

// Process runs raw through the detection pipeline and persists the verdict
// before returning it, so a later dedup check observes it.
func (a *Adapter) Process(ctx context.Context, raw *mail.RawMessage, tenantID string) (*mail.Verdict, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	verdict, err := a.analyzer.Analyze(ctx, parsed, tenantID, AnalyzeOptions{SkipExpensiveAnalysis: a.skipExpensive})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAnalyze, err)
	}

	rec := store.VerdictRecord{
		TenantID:       tenantID,
		MessageID:      raw.ID,
		Provider:       raw.Provider,
		Classification: verdict.Classification,
		Score:          verdict.Score,
		OverallScore:   verdict.OverallScore,
		Subject:        parsed.Subject,
		Sender:         parsed.From.Email,
	}
	if !parsed.ReceivedAt.IsZero() {
		t := parsed.ReceivedAt
		rec.ReceivedAt = &t
	}
	if err := a.verdicts.StoreVerdict(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	return verdict, nil
}
