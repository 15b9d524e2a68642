package queue

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItemDefaults(t *testing.T) {
	payload := json.RawMessage(`{"title":"Printer broken"}`)
	item := NewItem("org_1", "tickets", "tick_9", ActionCreate, payload)

	assert.True(t, strings.HasPrefix(item.ID, "item-"), "item id should carry the item prefix")
	assert.Equal(t, "org_1", item.TenantID)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, PriorityNormal, item.Metadata.Priority)
	assert.Equal(t, 0, item.Metadata.AttemptCount)
	assert.Equal(t, DefaultMaxAttempts, item.Metadata.MaxAttempts)
	assert.Equal(t, item.EnqueuedAt, item.OccurredAt)
	assert.False(t, item.EnqueuedAt.IsZero())
}

func TestItemValidate(t *testing.T) {
	payload := json.RawMessage(`{"name":"x"}`)

	tests := []struct {
		name    string
		mutate  func(*Item)
		wantErr string
	}{
		{
			name:   "valid create",
			mutate: func(i *Item) {},
		},
		{
			name:    "missing tenant",
			mutate:  func(i *Item) { i.TenantID = "" },
			wantErr: "tenant_id",
		},
		{
			name:    "missing store",
			mutate:  func(i *Item) { i.StoreName = "" },
			wantErr: "store_name",
		},
		{
			name:    "missing entity",
			mutate:  func(i *Item) { i.EntityID = "" },
			wantErr: "entity_id",
		},
		{
			name:    "unknown action",
			mutate:  func(i *Item) { i.Action = "replace" },
			wantErr: "action",
		},
		{
			name:    "unknown priority",
			mutate:  func(i *Item) { i.Metadata.Priority = "urgent" },
			wantErr: "priority",
		},
		{
			name:    "payload required for update",
			mutate:  func(i *Item) { i.Action = ActionUpdate; i.Payload = nil },
			wantErr: "payload",
		},
		{
			name:   "payload optional for delete",
			mutate: func(i *Item) { i.Action = ActionDelete; i.Payload = nil },
		},
		{
			name:   "payload optional for bulk delete",
			mutate: func(i *Item) { i.Action = ActionBulkDelete; i.Payload = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := NewItem("org_1", "tickets", "tick_1", ActionCreate, payload)
			tt.mutate(item)

			err := item.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantErr, vErr.Field)
		})
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, -1, Priority("bogus").Rank())
	assert.False(t, Priority("bogus").IsValid())
}

func TestStatusLifecycle(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusConflict.IsTerminal())

	assert.True(t, StatusPending.IsValid())
	assert.False(t, Status("done").IsValid())
}

func TestAttemptsExhausted(t *testing.T) {
	item := NewItem("org_1", "tickets", "tick_1", ActionDelete, nil)

	assert.False(t, item.AttemptsExhausted())

	item.Metadata.AttemptCount = DefaultMaxAttempts
	assert.True(t, item.AttemptsExhausted())

	item.Metadata.MaxAttempts = 5
	assert.False(t, item.AttemptsExhausted())
}
