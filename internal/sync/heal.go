package sync

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-sentinel/internal/auth"
	"github.com/Martian-dev/inbox-sentinel/internal/integration"
)

// ConnectionLister lists the provider's live connections.
type ConnectionLister interface {
	ListConnections(ctx context.Context, provider integration.Provider) ([]auth.Connection, error)
}

// RefStore backfills a missing connection reference.
type RefStore interface {
	SetConnectionRef(ctx context.Context, id, ref string) error
}

// Healer restores missing connection references before a run
type Healer struct {
	Connections ConnectionLister
	Store       RefStore
	Log         *logrus.Logger
}

// Heal returns the integrations that may be synced this run. Integrations
// that already carry a connection reference pass through. The rest are
// matched by external user id against the live connection listing; a
// match is persisted and kept, anything else is dropped for this run only.
func (h *Healer) Heal(ctx context.Context, in []*integration.Integration) []*integration.Integration {
	out := make([]*integration.Integration, 0, len(in))
	listings := make(map[integration.Provider][]auth.Connection)
	failed := make(map[integration.Provider]bool)

	for _, it := range in {
		if !it.NeedsHeal() {
			out = append(out, it)
			continue
		}
		log := h.Log.WithFields(logrus.Fields{
			"integration_id": it.ID,
			"tenant_id":      it.TenantID,
			"provider":       it.Provider,
		})

		if h.Connections == nil {
			log.Warn("integration has no connection reference and no connection directory is configured, skipping")
			continue
		}

		conns, ok := listings[it.Provider]
		if !ok && !failed[it.Provider] {
			var err error
			conns, err = h.Connections.ListConnections(ctx, it.Provider)
			if err != nil {
				failed[it.Provider] = true
				log.WithError(err).Warn("failed to list live connections")
			} else {
				listings[it.Provider] = conns
			}
		}
		if failed[it.Provider] {
			continue
		}

		ref := matchConnection(conns, it.ExternalUserID)
		if ref == "" {
			log.Info("no live connection matches integration, skipping this run")
			continue
		}
		if err := h.Store.SetConnectionRef(ctx, it.ID, ref); err != nil {
			log.WithError(err).Warn("failed to backfill connection reference")
			continue
		}

		it.ConnectionRef = ref
		log.WithField("connection_ref", ref).Info("healed connection reference")
		out = append(out, it)
	}
	return out
}

func matchConnection(conns []auth.Connection, externalUserID string) string {
	if externalUserID == "" {
		return ""
	}
	for _, c := range conns {
		if c.ID != "" && strings.EqualFold(c.ExternalUserID, externalUserID) {
			return c.ID
		}
	}
	return ""
}
