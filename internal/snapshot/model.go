// Package snapshot provides the local entity snapshot store: the last known
// state of each entity per tenant, reconciled with the server's canonical
// representation whenever a queued mutation completes.
package snapshot

import (
	"encoding/json"
	"time"
)

// Snapshot is the locally cached state of one entity
type Snapshot struct {
	TenantID      string          `json:"tenant_id"`
	StoreName     string          `json:"store_name"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	ServerVersion int64           `json:"server_version"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NeedsSync reports whether the snapshot has local changes the server has not
// confirmed yet
func (s *Snapshot) NeedsSync() bool {
	return s.SyncedAt == nil || s.SyncedAt.Before(s.UpdatedAt)
}

// serverEntity is the subset of a server response the store needs for
// reconciliation: the canonical identity and version
type serverEntity struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}
