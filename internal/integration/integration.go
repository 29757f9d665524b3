// Package integration defines a tenant's stored connection to one mail
// provider and the credential envelope it carries.
package integration

import (
	"time"
)

// Provider identifies a supported mail provider family.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Status is the sync status persisted on an integration row.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Integration is one tenant's connection to one provider.
type Integration struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Provider Provider `json:"provider"`

	// ExternalUserID is the provider-side account identifier (usually the
	// mailbox address). It is stable and used to heal ConnectionRef.
	ExternalUserID string `json:"external_user_id"`

	// ConnectionRef addresses the provider-side mailbox/session. Rows created
	// before references existed have it empty and must be healed first.
	ConnectionRef string `json:"connection_ref,omitempty"`

	// Sealed is the opaque, encrypted Credentials envelope.
	Sealed              string    `json:"-"`
	CredentialExpiresAt time.Time `json:"credential_expires_at"`

	SyncEnabled  bool       `json:"sync_enabled"`
	Watermark    *time.Time `json:"watermark,omitempty"`
	Status       Status     `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsHeal reports whether the integration lacks a connection reference.
func (i *Integration) NeedsHeal() bool {
	return i.ConnectionRef == ""
}

// SyncOutcome is what a finished sync pass writes back to the row in a
// single update.
type SyncOutcome struct {
	// Watermark is nil when the pass must not move the watermark.
	Watermark *time.Time
	Status    Status
	LastError string
	SyncedAt  time.Time
}
