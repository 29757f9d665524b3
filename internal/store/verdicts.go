package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VerdictRecord is one persisted detection result, keyed by
// (TenantID, MessageID).
type VerdictRecord struct {
	TenantID       string
	MessageID      string
	Provider       string
	Classification string
	Score          float64
	OverallScore   float64
	Subject        string
	Sender         string
	ReceivedAt     *time.Time
}

// VerdictExists reports whether a verdict is already stored for the message.
func (s *Store) VerdictExists(ctx context.Context, tenantID, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM verdicts WHERE tenant_id = ? AND message_id = ? LIMIT 1
	`), tenantID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check verdict: %w", err)
	}
	return true, nil
}

// StoreVerdict persists rec. A second write for the same key is a no-op.
func (s *Store) StoreVerdict(ctx context.Context, rec VerdictRecord) error {
	if rec.TenantID == "" || rec.MessageID == "" {
		return fmt.Errorf("verdict requires tenant and message id")
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO verdicts
		(tenant_id, message_id, provider, classification, score, overall_score,
		 subject, sender, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, message_id) DO NOTHING
	`), rec.TenantID, rec.MessageID, rec.Provider, rec.Classification, rec.Score,
		rec.OverallScore, rec.Subject, rec.Sender, nullableMillis(rec.ReceivedAt), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to store verdict: %w", err)
	}
	return nil
}

// CountVerdicts returns how many verdicts a tenant has.
func (s *Store) CountVerdicts(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM verdicts WHERE tenant_id = ?`), tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count verdicts: %w", err)
	}
	return n, nil
}
