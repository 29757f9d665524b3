// Package audit records one event per integration sync pass and relays
// those events from the durable outbox to NATS JetStream.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/inbox-sentinel/internal/store"
)

// EventSyncCompleted is the event type of every audit entry.
const EventSyncCompleted = "sync.completed"

// Entry describes one finished sync pass.
type Entry struct {
	EventID         string    `json:"eventId"`
	RunID           string    `json:"runId"`
	Trigger         string    `json:"trigger"`
	IntegrationID   string    `json:"integrationId"`
	TenantID        string    `json:"tenantId"`
	Provider        string    `json:"provider"`
	ConnectionRef   string    `json:"connectionRef,omitempty"`
	State           string    `json:"state"`
	EmailsProcessed int       `json:"emailsProcessed"`
	EmailsSkipped   int       `json:"emailsSkipped"`
	ThreatsFound    int       `json:"threatsFound"`
	Errors          int       `json:"errors"`
	TimedOut        bool      `json:"timedOut"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	DurationMs      int64     `json:"durationMs"`
}

// Outbox is the durable queue audit entries are appended to.
type Outbox interface {
	AppendOutbox(ctx context.Context, msg store.OutboxMessage) error
}

// OutboxSink appends audit entries to the outbox
type OutboxSink struct {
	outbox Outbox
}

// NewOutboxSink creates a sink writing to outbox.
func NewOutboxSink(outbox Outbox) *OutboxSink {
	return &OutboxSink{outbox: outbox}
}

// Record appends e to the outbox. A missing event id is generated.
func (s *OutboxSink) Record(ctx context.Context, e Entry) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.outbox.AppendOutbox(ctx, store.OutboxMessage{
		Subject:   Subject(e.TenantID),
		EventType: EventSyncCompleted,
		Payload:   payload,
		MsgID:     EventSyncCompleted + "|" + e.EventID,
	})
}

// Subject returns the JetStream subject for a tenant's sync events.
func Subject(tenantID string) string {
	return "tenant." + subjectToken(tenantID) + ".sync.completed"
}

// subjectToken makes tenantID safe to use as a single subject token.
func subjectToken(tenantID string) string {
	if tenantID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, tenantID)
}
