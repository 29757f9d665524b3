package sync

import (
	"time"
)

// maxSamplesPerCategory bounds the summary size regardless of how many
// integrations failed.
const maxSamplesPerCategory = 3

// IntegrationResult is one integration's line in a run summary.
type IntegrationResult struct {
	IntegrationID   string `json:"integrationId"`
	TenantID        string `json:"tenantId"`
	Provider        string `json:"provider"`
	State           State  `json:"state"`
	EmailsProcessed int    `json:"emailsProcessed"`
	EmailsSkipped   int    `json:"emailsSkipped"`
	ThreatsFound    int    `json:"threatsFound"`
	Errors          int    `json:"errors"`
	TimedOut        bool   `json:"timedOut,omitempty"`
	DurationMs      int64  `json:"durationMs"`
	Error           string `json:"error,omitempty"`
}

// RunSummary aggregates one invocation across all attempted integrations.
type RunSummary struct {
	RunID                string `json:"runId"`
	Success              bool   `json:"success"`
	Synced               int    `json:"synced"`
	Total                int    `json:"total"`
	Excluded             int    `json:"excluded,omitempty"`
	TotalEmailsProcessed int    `json:"totalEmailsProcessed"`
	TotalEmailsSkipped   int    `json:"totalEmailsSkipped"`
	TotalThreatsFound    int    `json:"totalThreatsFound"`
	// Duration is in milliseconds.
	Duration int64 `json:"duration"`
	TimedOut bool  `json:"timedOut"`

	Errors         []string              `json:"errors,omitempty"`
	ErrorHistogram map[Category]int      `json:"errorHistogram,omitempty"`
	ErrorSamples   map[Category][]string `json:"errorSamples,omitempty"`
	Integrations   []IntegrationResult   `json:"integrations"`
	// Running lists integrations skipped because an earlier pass in this
	// process was still in flight.
	Running []string `json:"running,omitempty"`
}

// Aggregate merges attempts into a run summary. Every collected error is
// counted in the histogram; at most three distinct messages are kept per
// category.
func Aggregate(runID string, attempts []*Attempt, excluded int, elapsed time.Duration) *RunSummary {
	s := &RunSummary{
		RunID:        runID,
		Success:      true,
		Total:        len(attempts),
		Excluded:     excluded,
		Duration:     elapsed.Milliseconds(),
		Integrations: make([]IntegrationResult, 0, len(attempts)),
	}

	seen := make(map[Category]map[string]bool)
	for _, a := range attempts {
		if a == nil {
			continue
		}
		res := IntegrationResult{
			IntegrationID:   a.IntegrationID,
			TenantID:        a.TenantID,
			Provider:        string(a.Provider),
			State:           a.State,
			EmailsProcessed: a.EmailsProcessed,
			EmailsSkipped:   a.EmailsSkipped,
			ThreatsFound:    a.ThreatsFound,
			Errors:          len(a.Errors),
			TimedOut:        a.TimedOut,
			DurationMs:      a.Duration.Milliseconds(),
		}
		if fe := a.FatalError(); fe != nil {
			res.Error = fe.Error()
		} else {
			s.Synced++
		}
		s.Integrations = append(s.Integrations, res)

		s.TotalEmailsProcessed += a.EmailsProcessed
		s.TotalEmailsSkipped += a.EmailsSkipped
		s.TotalThreatsFound += a.ThreatsFound
		if a.TimedOut {
			s.TimedOut = true
		}

		for _, e := range a.Errors {
			cat := Classify(e)
			if s.ErrorHistogram == nil {
				s.ErrorHistogram = make(map[Category]int)
				s.ErrorSamples = make(map[Category][]string)
			}
			s.ErrorHistogram[cat]++

			msg := e.Error()
			if seen[cat] == nil {
				seen[cat] = make(map[string]bool)
			}
			if seen[cat][msg] || len(s.ErrorSamples[cat]) >= maxSamplesPerCategory {
				continue
			}
			seen[cat][msg] = true
			s.ErrorSamples[cat] = append(s.ErrorSamples[cat], msg)
		}
	}

	for _, cat := range categoryOrder {
		for _, msg := range s.ErrorSamples[cat] {
			s.Errors = append(s.Errors, string(cat)+": "+msg)
		}
	}
	return s
}
