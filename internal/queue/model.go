// Package queue provides the durable, tenant-partitioned sync queue: the item
// model, its status state machine, and SQLite-backed persistence.
package queue

import (
	"encoding/json"
	"time"

	"github.com/tildaslashalef/opsync/internal/ulid"
)

// Action represents the kind of mutation an item carries
type Action string

const (
	// ActionCreate represents creating a new entity
	ActionCreate Action = "create"
	// ActionUpdate represents updating an existing entity
	ActionUpdate Action = "update"
	// ActionDelete represents deleting an entity
	ActionDelete Action = "delete"
	// ActionBulkCreate represents creating multiple entities in one call
	ActionBulkCreate Action = "bulk_create"
	// ActionBulkUpdate represents updating multiple entities in one call
	ActionBulkUpdate Action = "bulk_update"
	// ActionBulkDelete represents deleting multiple entities in one call
	ActionBulkDelete Action = "bulk_delete"
	// ActionUpsert represents creating or updating an entity
	ActionUpsert Action = "upsert"
)

// IsValid reports whether the action is one of the known mutation kinds
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete,
		ActionBulkCreate, ActionBulkUpdate, ActionBulkDelete, ActionUpsert:
		return true
	}
	return false
}

// Status represents where an item is in its lifecycle
type Status string

const (
	// StatusPending means the item is waiting to be processed
	StatusPending Status = "pending"
	// StatusInProgress means a processing pass has picked the item up
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the remote accepted the mutation (terminal)
	StatusCompleted Status = "completed"
	// StatusFailed means the last attempt failed; eligible for explicit retry
	StatusFailed Status = "failed"
	// StatusConflict means the remote reported a version conflict; excluded
	// from automatic retry until resolved
	StatusConflict Status = "conflict"
	// StatusCancelled means the item was withdrawn before delivery (terminal)
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsValid reports whether s is a known lifecycle status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusFailed, StatusConflict, StatusCancelled:
		return true
	}
	return false
}

// Priority represents the scheduling class of an item
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of the priority, higher first
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// IsValid reports whether the priority is one of the known classes
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// ConflictType classifies what the server and client disagree about
type ConflictType string

const (
	// ConflictTypeVersion means the server holds a newer version of the entity
	ConflictTypeVersion ConflictType = "version_mismatch"
	// ConflictTypeDeleted means the entity no longer exists on the server
	ConflictTypeDeleted ConflictType = "deleted_on_server"
	// ConflictTypeField means specific fields diverged between the versions
	ConflictTypeField ConflictType = "field_mismatch"
)

// ResolutionStrategy names how a conflict should be settled before the
// mutation re-enters the queue. Automatic resolvers are external collaborators;
// the queue itself only implements the manual baseline (explicit reset).
type ResolutionStrategy string

const (
	ResolutionManual     ResolutionStrategy = "manual"
	ResolutionServerWins ResolutionStrategy = "server_wins"
	ResolutionClientWins ResolutionStrategy = "client_wins"
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionLatestWins ResolutionStrategy = "latest_wins"
)

// ConflictDetails carries the structured description of a sync conflict.
// It is present on an item if and only if the item status is conflict.
type ConflictDetails struct {
	Type          ConflictType       `json:"type"`
	ServerVersion int64              `json:"server_version"`
	ClientVersion int64              `json:"client_version"`
	ServerEntity  json.RawMessage    `json:"server_entity,omitempty"`
	Fields        []string           `json:"fields,omitempty"`
	Resolution    ResolutionStrategy `json:"resolution,omitempty"`
}

// Metadata is the retry and observability envelope of an item
type Metadata struct {
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Priority      Priority   `json:"priority"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// DefaultMaxAttempts is the attempt budget applied when an item doesn't set one
const DefaultMaxAttempts = 3

// Item is one durable unit of pending work: a single intended mutation
// awaiting delivery to the remote system. Two enqueued items are never merged,
// even when they target the same entity, so sequential updates apply in order.
type Item struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	StoreName  string           `json:"store_name"`
	EntityID   string           `json:"entity_id"`
	Action     Action           `json:"action"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Status     Status           `json:"status"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	OccurredAt time.Time        `json:"occurred_at"`
	Metadata   Metadata         `json:"metadata"`
	Conflict   *ConflictDetails `json:"conflict_details,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewItem creates a pending item for the given mutation with default metadata.
// OccurredAt defaults to the enqueue time; callers may override it when the
// originating user action happened earlier.
func NewItem(tenantID, storeName, entityID string, action Action, payload json.RawMessage) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:         ulid.ItemID(),
		TenantID:   tenantID,
		StoreName:  storeName,
		EntityID:   entityID,
		Action:     action,
		Payload:    payload,
		Status:     StatusPending,
		EnqueuedAt: now,
		OccurredAt: now,
		Metadata: Metadata{
			AttemptCount: 0,
			MaxAttempts:  DefaultMaxAttempts,
			Priority:     PriorityNormal,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the fields required for an item to enter the queue
func (i *Item) Validate() error {
	if i.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if i.StoreName == "" {
		return &ValidationError{Field: "store_name", Reason: "is required"}
	}
	if i.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "is required"}
	}
	if i.Action == "" {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if !i.Action.IsValid() {
		return &ValidationError{Field: "action", Reason: "unknown action " + string(i.Action)}
	}
	if !i.Metadata.Priority.IsValid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(i.Metadata.Priority)}
	}
	if i.Action != ActionDelete && i.Action != ActionBulkDelete && len(i.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "is required for non-delete actions"}
	}
	return nil
}

// AttemptsExhausted reports whether the item has used up its attempt budget
func (i *Item) AttemptsExhausted() bool {
	return i.Metadata.AttemptCount >= i.Metadata.MaxAttempts
}
