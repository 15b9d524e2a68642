package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/opsync/internal/loggy"
)

// BatchFilter selects the next eligible pending items for a processing pass
type BatchFilter struct {
	Limit    int
	Priority Priority // optional; zero value selects all priorities
	Statuses []Status // defaults to [pending]
}

// ListFilter filters queue scans
type ListFilter struct {
	Statuses  []Status
	StoreName string
	Priority  Priority
	Limit     int
}

// RetryFilter selects failed/conflict items to reset to pending
type RetryFilter struct {
	MaxRetries int // only items with attempt_count < MaxRetries; 0 means no cap
	StoreName  string
	EntityID   string
}

// ClearFilter selects items for bulk removal
type ClearFilter struct {
	Statuses  []Status
	StoreName string
	OlderThan *time.Time // matches items enqueued before this instant
}

// Repository defines durable, tenant-scoped operations over sync items
type Repository interface {
	// Enqueue appends a new pending item; validation failures are returned
	// synchronously and nothing is written
	Enqueue(ctx context.Context, item *Item) error

	// GetItem retrieves one item by id within a tenant
	GetItem(ctx context.Context, tenantID, id string) (*Item, error)

	// ListItems retrieves items matching the filter, ordered by enqueue time
	ListItems(ctx context.Context, tenantID string, filter ListFilter) ([]*Item, error)

	// NextBatch returns up to filter.Limit eligible items ordered by priority
	// rank descending then enqueue time ascending. Items whose retry_after is
	// still in the future are excluded.
	NextBatch(ctx context.Context, tenantID string, filter BatchFilter) ([]*Item, error)

	// MarkInProgress transitions pending -> in_progress and increments the
	// attempt count; returns the updated item
	MarkInProgress(ctx context.Context, tenantID, id string) (*Item, error)

	// MarkCompleted transitions in_progress -> completed and clears error state
	MarkCompleted(ctx context.Context, tenantID, id string) error

	// MarkFailed transitions in_progress -> failed recording the error and an
	// optional earliest-retry time
	MarkFailed(ctx context.Context, tenantID, id string, errMsg string, retryAfter *time.Time) error

	// MarkConflict transitions in_progress -> conflict with structured details
	MarkConflict(ctx context.Context, tenantID, id string, details *ConflictDetails) error

	// MarkCancelled transitions pending/failed -> cancelled
	MarkCancelled(ctx context.Context, tenantID, id string) error

	// ResolveConflict resets a conflict item to pending after out-of-band
	// resolution, clearing its conflict details
	ResolveConflict(ctx context.Context, tenantID, id string, strategy ResolutionStrategy) error

	// RetryItems resets failed/conflict items matching the filter to pending,
	// preserving attempt counts; returns the number of items reset
	RetryItems(ctx context.Context, tenantID string, filter RetryFilter) (int, error)

	// ClearQueue bulk-deletes matching items; returns the number removed
	ClearQueue(ctx context.Context, tenantID string, filter ClearFilter) (int, error)

	// QueueStats computes queue-health metrics over the tenant's current items
	QueueStats(ctx context.Context, tenantID string) (*Stats, error)
}

// itemColumns is the canonical column order used by all item queries
var itemColumns = []string{
	"id", "tenant_id", "store_name", "entity_id", "action", "payload",
	"status", "priority", "enqueued_at", "occurred_at",
	"attempt_count", "max_attempts", "last_attempt_at", "retry_after",
	"error_message", "correlation_id", "conflict_details",
	"created_at", "updated_at",
}

// priorityRankExpr orders the textual priority column by scheduling rank
const priorityRankExpr = "CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END"

// SQLRepository implements Repository using a SQL database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new queue SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Enqueue appends a new pending item
func (r *SQLRepository) Enqueue(ctx context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = item.EnqueuedAt
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	item.Status = StatusPending
	item.Metadata.AttemptCount = 0
	if item.Metadata.MaxAttempts <= 0 {
		item.Metadata.MaxAttempts = DefaultMaxAttempts
	}

	var payload interface{}
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}

	query, args, err := r.builder.
		Insert("sync_items").
		Columns(
			"id", "tenant_id", "store_name", "entity_id", "action", "payload",
			"status", "priority", "enqueued_at", "occurred_at",
			"attempt_count", "max_attempts", "error_message", "correlation_id",
			"created_at", "updated_at",
		).
		Values(
			item.ID, item.TenantID, item.StoreName, item.EntityID, item.Action, payload,
			item.Status, item.Metadata.Priority, item.EnqueuedAt, item.OccurredAt,
			item.Metadata.AttemptCount, item.Metadata.MaxAttempts,
			item.Metadata.ErrorMessage, item.Metadata.CorrelationID,
			item.CreatedAt, item.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building enqueue query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing enqueue query: %w", err)
	}

	return nil
}

// GetItem retrieves one item by id within a tenant
func (r *SQLRepository) GetItem(ctx context.Context, tenantID, id string) (*Item, error) {
	query, args, err := r.builder.
		Select(itemColumns...).
		From("sync_items").
		Where(sq.Eq{"tenant_id": tenantID, "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get item query: %w", err)
	}

	item, err := scanItem(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("executing get item query: %w", err)
	}

	return item, nil
}

// ListItems retrieves items matching the filter, ordered by enqueue time
func (r *SQLRepository) ListItems(ctx context.Context, tenantID string, filter ListFilter) ([]*Item, error) {
	q := r.builder.
		Select(itemColumns...).
		From("sync_items").
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("enqueued_at ASC", "id ASC")

	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": filter.Statuses})
	}
	if filter.StoreName != "" {
		q = q.Where(sq.Eq{"store_name": filter.StoreName})
	}
	if filter.Priority != "" {
		q = q.Where(sq.Eq{"priority": filter.Priority})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	return r.queryItems(ctx, q)
}

// NextBatch returns the next eligible pending items in deterministic order:
// priority rank descending, then oldest first within the same priority. Item
// IDs break ties for items enqueued in the same instant, preserving enqueue
// order because IDs are monotonic ULIDs.
func (r *SQLRepository) NextBatch(ctx context.Context, tenantID string, filter BatchFilter) ([]*Item, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusPending}
	}

	q := r.builder.
		Select(itemColumns...).
		From("sync_items").
		Where(sq.Eq{"tenant_id": tenantID, "status": statuses}).
		Where(sq.Or{
			sq.Eq{"retry_after": nil},
			sq.LtOrEq{"retry_after": time.Now().UTC()},
		}).
		OrderBy(priorityRankExpr+" DESC", "enqueued_at ASC", "id ASC")

	if filter.Priority != "" {
		q = q.Where(sq.Eq{"priority": filter.Priority})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	return r.queryItems(ctx, q)
}

// MarkInProgress transitions pending -> in_progress and increments the attempt count
func (r *SQLRepository) MarkInProgress(ctx context.Context, tenantID, id string) (*Item, error) {
	now := time.Now().UTC()

	query, args, err := r.builder.
		Update("sync_items").
		Set("status", StatusInProgress).
		Set("attempt_count", sq.Expr("attempt_count + 1")).
		Set("last_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"tenant_id": tenantID, "id": id, "status": StatusPending}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building mark in progress query: %w", err)
	}

	if err := r.execTransition(ctx, tenantID, id, query, args); err != nil {
		return nil, err
	}

	return r.GetItem(ctx, tenantID, id)
}

// MarkCompleted transitions in_progress -> completed and clears error state
func (r *SQLRepository) MarkCompleted(ctx context.Context, tenantID, id string) error {
	query, args, err := r.builder.
		Update("sync_items").
		Set("status", StatusCompleted).
		Set("error_message", "").
		Set("retry_after", nil).
		Set("conflict_details", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id, "status": StatusInProgress}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building mark completed query: %w", err)
	}

	return r.execTransition(ctx, tenantID, id, query, args)
}

// MarkFailed transitions in_progress -> failed with the error message and an
// optional earliest-retry time for backoff
func (r *SQLRepository) MarkFailed(ctx context.Context, tenantID, id string, errMsg string, retryAfter *time.Time) error {
	q := r.builder.
		Update("sync_items").
		Set("status", StatusFailed).
		Set("error_message", errMsg).
		Set("conflict_details", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id, "status": StatusInProgress})

	if retryAfter != nil {
		q = q.Set("retry_after", retryAfter.UTC())
	} else {
		q = q.Set("retry_after", nil)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark failed query: %w", err)
	}

	return r.execTransition(ctx, tenantID, id, query, args)
}

// MarkConflict transitions in_progress -> conflict with structured details
func (r *SQLRepository) MarkConflict(ctx context.Context, tenantID, id string, details *ConflictDetails) error {
	if details == nil {
		return fmt.Errorf("conflict details are required")
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshaling conflict details: %w", err)
	}

	query, args, err := r.builder.
		Update("sync_items").
		Set("status", StatusConflict).
		Set("conflict_details", string(detailsJSON)).
		Set("retry_after", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id, "status": StatusInProgress}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building mark conflict query: %w", err)
	}

	return r.execTransition(ctx, tenantID, id, query, args)
}

// MarkCancelled transitions pending/failed -> cancelled
func (r *SQLRepository) MarkCancelled(ctx context.Context, tenantID, id string) error {
	query, args, err := r.builder.
		Update("sync_items").
		Set("status", StatusCancelled).
		Set("retry_after", nil).
		Set("conflict_details", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{
			"tenant_id": tenantID,
			"id":        id,
			"status":    []Status{StatusPending, StatusFailed},
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building mark cancelled query: %w", err)
	}

	return r.execTransition(ctx, tenantID, id, query, args)
}

// ResolveConflict resets a conflict item to pending after out-of-band
// resolution. The strategy is recorded in the log only; applying server_wins,
// client_wins, merge or latest_wins payload changes is left to the caller
// before invoking this.
func (r *SQLRepository) ResolveConflict(ctx context.Context, tenantID, id string, strategy ResolutionStrategy) error {
	query, args, err := r.builder.
		Update("sync_items").
		Set("status", StatusPending).
		Set("conflict_details", nil).
		Set("retry_after", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"tenant_id": tenantID, "id": id, "status": StatusConflict}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building resolve conflict query: %w", err)
	}

	if err := r.execTransition(ctx, tenantID, id, query, args); err != nil {
		return err
	}

	r.logger.Info("Conflict resolved",
		"tenant_id", tenantID,
		"item_id", id,
		"strategy", strategy,
	)
	return nil
}

// RetryItems resets failed/conflict items matching the filter to pending.
// Attempt counts are preserved so cumulative attempts remain visible across
// retry cycles; conflict details and backoff state are cleared.
func (r *SQLRepository) RetryItems(ctx context.Context, tenantID string, filter RetryFilter) (int, error) {
	q := r.builder.
		Update("sync_items").
		Set("status", StatusPending).
		Set("conflict_details", nil).
		Set("retry_after", nil).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{
			"tenant_id": tenantID,
			"status":    []Status{StatusFailed, StatusConflict},
		})

	if filter.MaxRetries > 0 {
		q = q.Where(sq.Lt{"attempt_count": filter.MaxRetries})
	}
	if filter.StoreName != "" {
		q = q.Where(sq.Eq{"store_name": filter.StoreName})
	}
	if filter.EntityID != "" {
		q = q.Where(sq.Eq{"entity_id": filter.EntityID})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building retry items query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing retry items query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading retry items result: %w", err)
	}

	return int(affected), nil
}

// ClearQueue bulk-deletes matching items and returns the number removed
func (r *SQLRepository) ClearQueue(ctx context.Context, tenantID string, filter ClearFilter) (int, error) {
	q := r.builder.
		Delete("sync_items").
		Where(sq.Eq{"tenant_id": tenantID})

	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": filter.Statuses})
	}
	if filter.StoreName != "" {
		q = q.Where(sq.Eq{"store_name": filter.StoreName})
	}
	if filter.OlderThan != nil {
		q = q.Where(sq.Lt{"enqueued_at": filter.OlderThan.UTC()})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building clear queue query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing clear queue query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading clear queue result: %w", err)
	}

	return int(affected), nil
}

// QueueStats computes queue-health metrics over the tenant's current items
func (r *SQLRepository) QueueStats(ctx context.Context, tenantID string) (*Stats, error) {
	items, err := r.ListItems(ctx, tenantID, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading items for stats: %w", err)
	}

	return ComputeStats(items, time.Now().UTC()), nil
}

// execTransition runs a guarded status update and maps a zero-row result to
// either not-found or an invalid transition
func (r *SQLRepository) execTransition(ctx context.Context, tenantID, id, query string, args []interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing status transition: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading status transition result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// The guard rejected the update: distinguish a missing item from a
	// state machine violation
	if _, err := r.GetItem(ctx, tenantID, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// queryItems executes a select built over itemColumns and scans the rows
func (r *SQLRepository) queryItems(ctx context.Context, q sq.SelectBuilder) ([]*Item, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building item query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing item query: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating item rows: %w", err)
	}

	return items, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanItem
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem reads one row in itemColumns order into an Item
func scanItem(row rowScanner) (*Item, error) {
	var (
		item            Item
		payload         sql.NullString
		lastAttemptAt   sql.NullTime
		retryAfter      sql.NullTime
		conflictDetails sql.NullString
	)

	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.StoreName,
		&item.EntityID,
		&item.Action,
		&payload,
		&item.Status,
		&item.Metadata.Priority,
		&item.EnqueuedAt,
		&item.OccurredAt,
		&item.Metadata.AttemptCount,
		&item.Metadata.MaxAttempts,
		&lastAttemptAt,
		&retryAfter,
		&item.Metadata.ErrorMessage,
		&item.Metadata.CorrelationID,
		&conflictDetails,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		item.Metadata.LastAttemptAt = &t
	}
	if retryAfter.Valid {
		t := retryAfter.Time
		item.Metadata.RetryAfter = &t
	}
	if conflictDetails.Valid && conflictDetails.String != "" {
		var details ConflictDetails
		if err := json.Unmarshal([]byte(conflictDetails.String), &details); err != nil {
			return nil, fmt.Errorf("unmarshaling conflict details: %w", err)
		}
		item.Conflict = &details
	}

	return &item, nil
}
