// Package mail holds the provider-neutral message shapes that flow between
// provider clients, the sync loop and the detection pipeline.
package mail

import (
	"time"
)

// MessageRef is one entry of a provider listing.
type MessageRef struct {
	ID       string
	ThreadID string
	// ReceivedAt is zero when the listing does not carry a receive time.
	ReceivedAt time.Time
}

// RawMessage is a fully fetched provider message in RFC 822 form.
type RawMessage struct {
	Provider   string
	ID         string
	ThreadID   string
	ReceivedAt time.Time
	Labels     []string
	MIME       []byte
}

// Address is a parsed mailbox.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment describes an attachment without carrying its content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// ParsedEmail is the canonical input of the detection pipeline.
type ParsedEmail struct {
	MessageID         string              `json:"message_id"`
	Provider          string              `json:"provider"`
	ThreadID          string              `json:"thread_id,omitempty"`
	InternetMessageID string              `json:"internet_message_id,omitempty"`
	From              Address             `json:"from"`
	ReplyTo           []Address           `json:"reply_to,omitempty"`
	To                []Address           `json:"to,omitempty"`
	Cc                []Address           `json:"cc,omitempty"`
	Subject           string              `json:"subject"`
	Date              time.Time           `json:"date"`
	ReceivedAt        time.Time           `json:"received_at"`
	TextBody          string              `json:"text_body,omitempty"`
	HTMLBody          string              `json:"html_body,omitempty"`
	Headers           map[string][]string `json:"headers,omitempty"`
	Attachments       []Attachment        `json:"attachments,omitempty"`
	Labels            []string            `json:"labels,omitempty"`
}

// ClassificationBenign is the only classification that never counts as a threat.
const ClassificationBenign = "benign"

// Verdict is the detection pipeline's output for one message.
type Verdict struct {
	Classification string  `json:"classification"`
	Score          float64 `json:"score"`
	OverallScore   float64 `json:"overallScore"`
}

// IsThreat reports whether v is non-benign with an overall score at or
// above threshold.
func (v *Verdict) IsThreat(threshold float64) bool {
	if v == nil {
		return false
	}
	return v.Classification != ClassificationBenign && v.OverallScore >= threshold
}
