package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

const integrationColumns = `id, tenant_id, provider, external_user_id, connection_ref, credentials,
	credential_expires_at, sync_enabled, watermark, status, last_error, last_synced_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*integration.Integration, error) {
	var (
		in                  integration.Integration
		provider, status    string
		expiresAt           int64
		watermark, syncedAt sql.NullInt64
		createdAt, updated  int64
	)
	err := row.Scan(&in.ID, &in.TenantID, &provider, &in.ExternalUserID, &in.ConnectionRef, &in.Sealed,
		&expiresAt, &in.SyncEnabled, &watermark, &status, &in.LastError, &syncedAt,
		&createdAt, &updated)
	if err != nil {
		return nil, err
	}
	in.Provider = integration.Provider(provider)
	in.Status = integration.Status(status)
	in.CredentialExpiresAt = fromMillis(expiresAt)
	in.Watermark = fromNullMillis(watermark)
	in.LastSyncedAt = fromNullMillis(syncedAt)
	in.CreatedAt = fromMillis(createdAt)
	in.UpdatedAt = fromMillis(updated)
	return &in, nil
}

func (s *Store) queryIntegrations(ctx context.Context, query string, args ...any) ([]*integration.Integration, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer rows.Close()

	var out []*integration.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integrations: %w", err)
	}
	return out, nil
}

// CreateIntegration inserts a new integration row. It is used by the OAuth
// callback owner and by tests.
func (s *Store) CreateIntegration(ctx context.Context, in *integration.Integration) error {
	if !in.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", in.Provider)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = integration.StatusConnected
	}
	now := s.now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO integrations
		(id, tenant_id, provider, external_user_id, connection_ref, credentials, credential_expires_at,
		 sync_enabled, watermark, status, last_error, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), in.ID, in.TenantID, string(in.Provider), in.ExternalUserID, in.ConnectionRef, in.Sealed,
		toMillis(in.CredentialExpiresAt), in.SyncEnabled, nullableMillis(in.Watermark), string(in.Status),
		in.LastError, nullableMillis(in.LastSyncedAt), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to insert integration: %w", err)
	}
	return nil
}

// GetIntegration loads one integration by id.
func (s *Store) GetIntegration(ctx context.Context, id string) (*integration.Integration, error) {
	row := s.DB.QueryRowContext(ctx, s.rebind(`SELECT `+integrationColumns+` FROM integrations WHERE id = ?`), id)
	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return in, nil
}

// ListEligible returns connected, enabled integrations whose watermark is
// unset or older than cutoff, never-synced first then oldest watermark.
func (s *Store) ListEligible(ctx context.Context, cutoff time.Time, limit int) ([]*integration.Integration, error) {
	return s.queryIntegrations(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE status = ?
		  AND sync_enabled = TRUE
		  AND (watermark IS NULL OR watermark < ?)
		ORDER BY watermark ASC NULLS FIRST, created_at ASC
		LIMIT ?
	`, string(integration.StatusConnected), toMillis(cutoff), limit)
}

// ListTenantEligible returns one tenant's connected, enabled integrations
// regardless of how recently they synced.
func (s *Store) ListTenantEligible(ctx context.Context, tenantID string, limit int) ([]*integration.Integration, error) {
	return s.queryIntegrations(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations
		WHERE tenant_id = ?
		  AND status = ?
		  AND sync_enabled = TRUE
		ORDER BY watermark ASC NULLS FIRST, created_at ASC
		LIMIT ?
	`, tenantID, string(integration.StatusConnected), limit)
}

// UpdateCredentials replaces the sealed credential and its expiry in one
// statement.
func (s *Store) UpdateCredentials(ctx context.Context, id, sealed string, expiresAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE integrations
		SET credentials = ?, credential_expires_at = ?, updated_at = ?
		WHERE id = ?
	`), sealed, toMillis(expiresAt), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return requireOneRow(res)
}

// SetConnectionRef backfills a missing connection reference. A row that
// already has a reference is left unchanged.
func (s *Store) SetConnectionRef(ctx context.Context, id, ref string) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE integrations
		SET connection_ref = ?, updated_at = ?
		WHERE id = ? AND connection_ref = ''
	`), ref, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to set connection ref: %w", err)
	}
	return nil
}

// outcomeStatus keeps a disconnect made while the pass was running. The
// CASE expressions read the row's values from before the UPDATE.
const outcomeStatus = `status = CASE WHEN status = ? THEN status ELSE ? END,
	last_error = CASE WHEN status = ? THEN last_error ELSE ? END`

// FinishSync writes the outcome of a sync pass. The watermark only moves
// forward; a nil outcome watermark leaves it untouched. A row that was
// disconnected in the meantime keeps its status and error.
func (s *Store) FinishSync(ctx context.Context, id string, out integration.SyncOutcome) error {
	var (
		res sql.Result
		err error
	)
	now := toMillis(s.now())
	disconnected := string(integration.StatusDisconnected)
	if out.Watermark == nil {
		res, err = s.DB.ExecContext(ctx, s.rebind(`
			UPDATE integrations
			SET `+outcomeStatus+`, last_synced_at = ?, updated_at = ?
			WHERE id = ?
		`), disconnected, string(out.Status), disconnected, out.LastError, toMillis(out.SyncedAt), now, id)
	} else {
		wm := toMillis(*out.Watermark)
		res, err = s.DB.ExecContext(ctx, s.rebind(`
			UPDATE integrations
			SET watermark = CASE WHEN watermark IS NULL OR watermark < ? THEN ? ELSE watermark END,
			    `+outcomeStatus+`, last_synced_at = ?, updated_at = ?
			WHERE id = ?
		`), wm, wm, disconnected, string(out.Status), disconnected, out.LastError, toMillis(out.SyncedAt), now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to finish sync: %w", err)
	}
	return requireOneRow(res)
}

// ClaimLease takes the per-integration lease for owner until the given
// instant. It reports false when another owner holds an unexpired lease.
func (s *Store) ClaimLease(ctx context.Context, id, owner string, now, until time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE integrations
		SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_until < ?)
	`), owner, toMillis(until), id, owner, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.DB.ExecContext(ctx, s.rebind(`
		UPDATE integrations
		SET lease_owner = '', lease_until = 0
		WHERE id = ? AND lease_owner = ?
	`), id, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
