// Package remote defines the boundary to the sync server: one request per
// queued item, one response classified as success, conflict or failure.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tildaslashalef/opsync/internal/queue"
)

// PushRequest carries one queued mutation to the remote system
type PushRequest struct {
	TenantID      string          `json:"tenant_id"`
	Action        queue.Action    `json:"action"`
	StoreName     string          `json:"store_name"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AttemptCount  int             `json:"attempt_count"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ClientName    string          `json:"client_name,omitempty"`
}

// PushResponse is the server's answer to a successful push: the canonical
// representation of the entity, used to reconcile the local snapshot
// (including server-assigned identity and version).
type PushResponse struct {
	Entity        json.RawMessage `json:"entity,omitempty"`
	ServerVersion int64           `json:"server_version"`
}

// Adapter performs the network exchange for one sync item.
//
// Implementations must be idempotent with respect to entity id and action:
// the queue may push the same item more than once after a failure, and does
// not deduplicate at the network level. Outcomes are classified through the
// returned error: nil means success, *ConflictError means the server rejected
// the mutation over a version/state mismatch, and any other error is a
// transient failure eligible for retry.
type Adapter interface {
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)
}

// ConflictError reports a server/client data conflict for one item
type ConflictError struct {
	Details *queue.ConflictDetails
}

func (e *ConflictError) Error() string {
	if e.Details == nil {
		return "sync conflict"
	}
	return fmt.Sprintf("sync conflict (%s): server version %d, client version %d",
		e.Details.Type, e.Details.ServerVersion, e.Details.ClientVersion)
}

// APIError represents an error response from the sync server API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}
