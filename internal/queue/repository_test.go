package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/opsync/internal/loggy"
)

func newTestRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  loggy.NewNoopLogger(),
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// itemRows builds a sqlmock result set in canonical column order
func itemRows(items ...*Item) *sqlmock.Rows {
	rows := sqlmock.NewRows(itemColumns)
	for _, item := range items {
		var payload interface{}
		if len(item.Payload) > 0 {
			payload = string(item.Payload)
		}
		var conflict interface{}
		if item.Conflict != nil {
			encoded, _ := json.Marshal(item.Conflict)
			conflict = string(encoded)
		}
		var lastAttempt, retryAfter interface{}
		if item.Metadata.LastAttemptAt != nil {
			lastAttempt = *item.Metadata.LastAttemptAt
		}
		if item.Metadata.RetryAfter != nil {
			retryAfter = *item.Metadata.RetryAfter
		}

		rows.AddRow(
			item.ID, item.TenantID, item.StoreName, item.EntityID, string(item.Action), payload,
			string(item.Status), string(item.Metadata.Priority), item.EnqueuedAt, item.OccurredAt,
			item.Metadata.AttemptCount, item.Metadata.MaxAttempts, lastAttempt, retryAfter,
			item.Metadata.ErrorMessage, item.Metadata.CorrelationID, conflict,
			item.CreatedAt, item.UpdatedAt,
		)
	}
	return rows
}

func sampleItem(status Status) *Item {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &Item{
		ID:         "item_01HTEST0000000000000000001",
		TenantID:   "org_1",
		StoreName:  "tickets",
		EntityID:   "tick_1",
		Action:     ActionUpdate,
		Payload:    json.RawMessage(`{"title":"Update printer"}`),
		Status:     status,
		EnqueuedAt: now,
		OccurredAt: now,
		Metadata: Metadata{
			AttemptCount: 1,
			MaxAttempts:  DefaultMaxAttempts,
			Priority:     PriorityNormal,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestQueueRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err, "Failed to create mock database")
	defer db.Close()

	repo := newTestRepository(db)
	ctx := context.Background()

	t.Run("Enqueue", func(t *testing.T) {
		item := NewItem("org_1", "tickets", "tick_1", ActionCreate, json.RawMessage(`{"a":1}`))

		mock.ExpectExec("INSERT INTO sync_items").
			WithArgs(
				item.ID, "org_1", "tickets", "tick_1", "create", `{"a":1}`,
				"pending", "normal", sqlmock.AnyArg(), sqlmock.AnyArg(),
				0, DefaultMaxAttempts, "", "",
				sqlmock.AnyArg(), sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.Enqueue(ctx, item)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, item.Status)
	})

	t.Run("EnqueueValidationFails", func(t *testing.T) {
		item := NewItem("org_1", "tickets", "tick_1", ActionUpdate, nil)

		err := repo.Enqueue(ctx, item)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, "payload", vErr.Field)
	})

	t.Run("GetItem", func(t *testing.T) {
		want := sampleItem(StatusPending)

		// squirrel sorts Eq keys, so id binds before tenant_id
		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WithArgs(want.ID, "org_1").
			WillReturnRows(itemRows(want))

		got, err := repo.GetItem(ctx, "org_1", want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Payload, got.Payload)
		assert.Nil(t, got.Conflict)
	})

	t.Run("GetItemNotFound", func(t *testing.T) {
		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetItem(ctx, "org_1", "item_missing")
		assert.ErrorIs(t, err, ErrItemNotFound)
	})

	t.Run("GetItemScansConflictDetails", func(t *testing.T) {
		want := sampleItem(StatusConflict)
		want.Conflict = &ConflictDetails{
			Type:          ConflictTypeVersion,
			ServerVersion: 4,
			ClientVersion: 2,
		}

		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnRows(itemRows(want))

		got, err := repo.GetItem(ctx, "org_1", want.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Conflict)
		assert.Equal(t, ConflictTypeVersion, got.Conflict.Type)
		assert.EqualValues(t, 4, got.Conflict.ServerVersion)
	})

	t.Run("NextBatchExcludesFutureRetry", func(t *testing.T) {
		ready := sampleItem(StatusPending)

		// retry_after filtering happens in SQL; assert the guard is present
		mock.ExpectQuery("SELECT .+ FROM sync_items WHERE .*retry_after.*").
			WillReturnRows(itemRows(ready))

		items, err := repo.NextBatch(ctx, "org_1", BatchFilter{Limit: 10})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, ready.ID, items[0].ID)
	})

	t.Run("MarkInProgress", func(t *testing.T) {
		updated := sampleItem(StatusInProgress)
		updated.Metadata.AttemptCount = 2

		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnRows(itemRows(updated))

		got, err := repo.MarkInProgress(ctx, "org_1", updated.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, got.Status)
		assert.Equal(t, 2, got.Metadata.AttemptCount)
	})

	t.Run("MarkCompletedInvalidTransition", func(t *testing.T) {
		// Guarded update touches nothing, follow-up read shows the item is
		// already completed
		settled := sampleItem(StatusCompleted)

		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnRows(itemRows(settled))

		err := repo.MarkCompleted(ctx, "org_1", settled.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("MarkCompletedNotFound", func(t *testing.T) {
		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnError(sql.ErrNoRows)

		err := repo.MarkCompleted(ctx, "org_1", "item_missing")
		assert.ErrorIs(t, err, ErrItemNotFound)
	})

	t.Run("MarkFailedWithRetryAfter", func(t *testing.T) {
		retryAt := time.Now().UTC().Add(30 * time.Second)

		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.MarkFailed(ctx, "org_1", "item_1", "connection refused", &retryAt)
		assert.NoError(t, err)
	})

	t.Run("MarkConflictRequiresDetails", func(t *testing.T) {
		err := repo.MarkConflict(ctx, "org_1", "item_1", nil)
		assert.Error(t, err)
	})

	t.Run("MarkConflict", func(t *testing.T) {
		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.MarkConflict(ctx, "org_1", "item_1", &ConflictDetails{
			Type:          ConflictTypeVersion,
			ServerVersion: 3,
			ClientVersion: 1,
		})
		assert.NoError(t, err)
	})

	t.Run("ResolveConflict", func(t *testing.T) {
		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.ResolveConflict(ctx, "org_1", "item_1", ResolutionClientWins)
		assert.NoError(t, err)
	})

	t.Run("RetryItems", func(t *testing.T) {
		mock.ExpectExec("UPDATE sync_items SET").
			WillReturnResult(sqlmock.NewResult(0, 3))

		count, err := repo.RetryItems(ctx, "org_1", RetryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("ClearQueue", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM sync_items").
			WillReturnResult(sqlmock.NewResult(0, 5))

		count, err := repo.ClearQueue(ctx, "org_1", ClearFilter{
			Statuses: []Status{StatusCompleted, StatusCancelled},
		})
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("QueueStats", func(t *testing.T) {
		pending := sampleItem(StatusPending)
		completed := sampleItem(StatusCompleted)
		completed.ID = "item_01HTEST0000000000000000002"

		mock.ExpectQuery("SELECT .+ FROM sync_items").
			WillReturnRows(itemRows(pending, completed))

		stats, err := repo.QueueStats(ctx, "org_1")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.ByStatus[StatusPending])
		assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	})

	require.NoError(t, mock.ExpectationsWereMet())
}
