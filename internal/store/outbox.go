package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage represents a message in the audit outbox
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

// AppendOutbox queues a message. Duplicate msg ids are ignored.
func (s *Store) AppendOutbox(ctx context.Context, msg OutboxMessage) error {
	now := toMillis(s.now())
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`), now, msg.Subject, msg.EventType, msg.Payload, msg.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(`
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM audit_outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`), toMillis(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}

	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE audit_outbox SET published_at = ? WHERE id = ?
	`), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and pushes the next attempt out
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE audit_outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`), toMillis(s.now().Add(backoff)), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
