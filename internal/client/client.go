// Package client exposes the sync subsystem as a single tenant-bound facade.
// Callers construct one Client per tenant and interact with the queue,
// snapshots and engine through it without touching the underlying layers.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tildaslashalef/opsync/internal/engine"
	"github.com/tildaslashalef/opsync/internal/loggy"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/snapshot"
)

// EnqueueOptions carries the optional knobs for one enqueued mutation
type EnqueueOptions struct {
	Priority      queue.Priority
	CorrelationID string
	OccurredAt    time.Time
	MaxAttempts   int
}

// Client is a tenant-scoped facade over the sync queue
type Client struct {
	tenantID  string
	queueRepo queue.Repository
	snapshots snapshot.Repository
	engine    *engine.Service
	logger    *loggy.Logger
}

// New creates a facade bound to one tenant
func New(
	tenantID string,
	queueRepo queue.Repository,
	snapshots snapshot.Repository,
	eng *engine.Service,
	logger *loggy.Logger,
) *Client {
	return &Client{
		tenantID:  tenantID,
		queueRepo: queueRepo,
		snapshots: snapshots,
		engine:    eng,
		logger:    logger,
	}
}

// TenantID returns the tenant this client is bound to
func (c *Client) TenantID() string {
	return c.tenantID
}

// EnqueueItem records a new pending mutation and returns it. The write is
// durable before the call returns; delivery happens on a later processing
// pass.
func (c *Client) EnqueueItem(ctx context.Context, storeName, entityID string, action queue.Action, payload json.RawMessage, opts EnqueueOptions) (*queue.Item, error) {
	item := queue.NewItem(c.tenantID, storeName, entityID, action, payload)

	if opts.Priority != "" {
		item.Metadata.Priority = opts.Priority
	}
	if opts.CorrelationID != "" {
		item.Metadata.CorrelationID = opts.CorrelationID
	}
	if !opts.OccurredAt.IsZero() {
		item.OccurredAt = opts.OccurredAt.UTC()
	}
	if opts.MaxAttempts > 0 {
		item.Metadata.MaxAttempts = opts.MaxAttempts
	}

	if err := c.queueRepo.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	c.logger.Debug("Enqueued sync item",
		"tenant_id", c.tenantID,
		"item_id", item.ID,
		"store_name", storeName,
		"action", action,
		"priority", item.Metadata.Priority,
	)

	return item, nil
}

// GetItem retrieves one queued item
func (c *Client) GetItem(ctx context.Context, id string) (*queue.Item, error) {
	return c.queueRepo.GetItem(ctx, c.tenantID, id)
}

// ListItems retrieves queued items matching the filter
func (c *Client) ListItems(ctx context.Context, filter queue.ListFilter) ([]*queue.Item, error) {
	return c.queueRepo.ListItems(ctx, c.tenantID, filter)
}

// ProcessQueue runs one processing pass
func (c *Client) ProcessQueue(ctx context.Context, opts engine.ProcessOptions) (*engine.BatchResult, error) {
	return c.engine.ProcessQueue(ctx, c.tenantID, opts)
}

// RetryFailed resets failed and conflicted items back to pending
func (c *Client) RetryFailed(ctx context.Context, filter queue.RetryFilter) (int, error) {
	return c.queueRepo.RetryItems(ctx, c.tenantID, filter)
}

// CancelItem withdraws a pending or failed item from the queue
func (c *Client) CancelItem(ctx context.Context, id string) error {
	return c.queueRepo.MarkCancelled(ctx, c.tenantID, id)
}

// ResolveConflict accepts a resolution for a conflicted item and requeues it
func (c *Client) ResolveConflict(ctx context.Context, id string, strategy queue.ResolutionStrategy) error {
	return c.queueRepo.ResolveConflict(ctx, c.tenantID, id, strategy)
}

// ClearSyncQueue bulk-removes items matching the filter
func (c *Client) ClearSyncQueue(ctx context.Context, filter queue.ClearFilter) (int, error) {
	return c.queueRepo.ClearQueue(ctx, c.tenantID, filter)
}

// RefreshStats computes current queue-health metrics
func (c *Client) RefreshStats(ctx context.Context) (*queue.Stats, error) {
	return c.queueRepo.QueueStats(ctx, c.tenantID)
}

// GetSnapshot retrieves the locally cached state of one entity
func (c *Client) GetSnapshot(ctx context.Context, storeName, entityID string) (*snapshot.Snapshot, error) {
	return c.snapshots.Get(ctx, c.tenantID, storeName, entityID)
}

// ListSnapshots retrieves all cached entities of one store
func (c *Client) ListSnapshots(ctx context.Context, storeName string) ([]*snapshot.Snapshot, error) {
	return c.snapshots.List(ctx, c.tenantID, storeName)
}

// PutSnapshot stores or replaces the local state of an entity
func (c *Client) PutSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	snap.TenantID = c.tenantID
	return c.snapshots.Put(ctx, snap)
}

// StartAutoSync begins periodic background processing for this tenant
func (c *Client) StartAutoSync() (*engine.AutoSync, error) {
	return c.engine.StartAutoSync(c.tenantID)
}

// StopAutoSync stops periodic background processing if it is running
func (c *Client) StopAutoSync() {
	c.engine.StopAutoSync(c.tenantID)
}

// ForceSync runs an immediate pass with the force batch size, regardless of
// whether auto sync is running
func (c *Client) ForceSync(ctx context.Context) (*engine.BatchResult, error) {
	return c.engine.ForceSync(ctx, c.tenantID)
}

// LastSyncAt returns the completion time of the most recent pass
func (c *Client) LastSyncAt() (time.Time, bool) {
	return c.engine.LastSyncAt(c.tenantID)
}

// IsProcessing reports whether a pass is currently running
func (c *Client) IsProcessing() bool {
	return c.engine.IsProcessing(c.tenantID)
}
