// Package engine orchestrates processing passes over the sync queue: it pulls
// a batch of pending items, drives each through the item state machine against
// the remote adapter, and reconciles local snapshots on success.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/opsync/internal/config"
	"github.com/tildaslashalef/opsync/internal/loggy"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/remote"
	"github.com/tildaslashalef/opsync/internal/snapshot"
	"github.com/tildaslashalef/opsync/internal/ulid"
)

// ErrSyncInProgress is returned when a processing pass is requested while one
// is already running for the same tenant. The request is rejected, not queued,
// and no queue state changes.
var ErrSyncInProgress = errors.New("sync already in progress for tenant")

// ProcessOptions tunes one processing pass
type ProcessOptions struct {
	BatchSize int            // defaults to the configured batch size
	Priority  queue.Priority // optional; restricts the pass to one priority class
}

// ItemResult is the outcome of processing one item within a pass
type ItemResult struct {
	ItemID    string                 `json:"item_id"`
	StoreName string                 `json:"store_name"`
	EntityID  string                 `json:"entity_id"`
	Status    queue.Status           `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Conflict  *queue.ConflictDetails `json:"conflict,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// BatchResult aggregates the outcome of one processing pass. It is returned to
// the caller and discarded, never persisted.
type BatchResult struct {
	BatchID   string        `json:"batch_id"`
	TenantID  string        `json:"tenant_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Cancelled int           `json:"cancelled"`
	Items     []ItemResult  `json:"items"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Service executes bounded processing passes over the queue
type Service struct {
	queueRepo queue.Repository
	snapshots snapshot.Repository
	adapter   remote.Adapter
	cfg       *config.Config
	logger    *loggy.Logger

	mu       sync.Mutex
	inflight map[string]bool
	lastSync map[string]time.Time
	watchers map[string]*AutoSync
}

// NewService creates a new sync engine
func NewService(
	queueRepo queue.Repository,
	snapshots snapshot.Repository,
	adapter remote.Adapter,
	cfg *config.Config,
	logger *loggy.Logger,
) *Service {
	return &Service{
		queueRepo: queueRepo,
		snapshots: snapshots,
		adapter:   adapter,
		cfg:       cfg,
		logger:    logger,
		inflight:  make(map[string]bool),
		lastSync:  make(map[string]time.Time),
		watchers:  make(map[string]*AutoSync),
	}
}

// ProcessQueue executes exactly one processing pass for the tenant.
// At most one pass runs per tenant at any time; a re-entrant call fails with
// ErrSyncInProgress. Items are processed strictly sequentially in selection
// order so that multiple queued mutations against the same entity apply in
// enqueue order. A single item's failure never aborts the pass.
func (s *Service) ProcessQueue(ctx context.Context, tenantID string, opts ProcessOptions) (*BatchResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	if !s.acquire(tenantID) {
		return nil, ErrSyncInProgress
	}
	defer s.release(tenantID)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.Sync.BatchSize
	}

	result := &BatchResult{
		BatchID:   ulid.BatchID(),
		TenantID:  tenantID,
		StartedAt: time.Now().UTC(),
	}

	items, err := s.queueRepo.NextBatch(ctx, tenantID, queue.BatchFilter{
		Limit:    batchSize,
		Priority: opts.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting batch: %w", err)
	}

	if len(items) == 0 {
		result.Duration = time.Since(result.StartedAt)
		s.mu.Lock()
		s.lastSync[tenantID] = time.Now().UTC()
		s.mu.Unlock()
		return result, nil
	}

	s.logger.Debug("Processing sync batch",
		"batch_id", result.BatchID,
		"tenant_id", tenantID,
		"items", len(items),
	)

	for _, item := range items {
		itemResult := s.processItem(ctx, item)
		result.Items = append(result.Items, itemResult)
		result.Total++

		switch itemResult.Status {
		case queue.StatusCompleted:
			result.Succeeded++
		case queue.StatusConflict:
			result.Conflicts++
		case queue.StatusCancelled:
			result.Cancelled++
		default:
			result.Failed++
		}
	}

	result.Duration = time.Since(result.StartedAt)

	s.mu.Lock()
	s.lastSync[tenantID] = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("Sync batch complete",
		"batch_id", result.BatchID,
		"tenant_id", tenantID,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"duration", result.Duration,
	)

	return result, nil
}

// ForceSync runs an immediate pass with the larger force batch size. It works
// whether or not auto sync is running and shares the per-tenant mutual
// exclusion with scheduled passes.
func (s *Service) ForceSync(ctx context.Context, tenantID string) (*BatchResult, error) {
	batchSize := s.cfg.Sync.ForceBatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.Sync.BatchSize
	}
	return s.ProcessQueue(ctx, tenantID, ProcessOptions{BatchSize: batchSize})
}

// LastSyncAt returns the completion time of the tenant's most recent pass
func (s *Service) LastSyncAt(tenantID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSync[tenantID]
	return t, ok
}

// IsProcessing reports whether a pass is currently running for the tenant
func (s *Service) IsProcessing(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[tenantID]
}

// processItem drives one item through the state machine. Storage failures are
// captured in the returned result rather than propagated, so the pass always
// runs to completion.
func (s *Service) processItem(ctx context.Context, item *queue.Item) ItemResult {
	start := time.Now()
	result := ItemResult{
		ItemID:    item.ID,
		StoreName: item.StoreName,
		EntityID:  item.EntityID,
	}

	current, err := s.queueRepo.MarkInProgress(ctx, item.TenantID, item.ID)
	if err != nil {
		// The item may have been cancelled between selection and pickup
		if errors.Is(err, queue.ErrInvalidTransition) {
			if latest, getErr := s.queueRepo.GetItem(ctx, item.TenantID, item.ID); getErr == nil && latest.Status == queue.StatusCancelled {
				result.Status = queue.StatusCancelled
				result.Duration = time.Since(start)
				return result
			}
		}
		result.Status = queue.StatusFailed
		result.Error = fmt.Sprintf("marking item in progress: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	resp, pushErr := s.adapter.Push(ctx, &remote.PushRequest{
		TenantID:      current.TenantID,
		Action:        current.Action,
		StoreName:     current.StoreName,
		EntityID:      current.EntityID,
		Payload:       current.Payload,
		OccurredAt:    current.OccurredAt,
		AttemptCount:  current.Metadata.AttemptCount,
		CorrelationID: current.Metadata.CorrelationID,
	})

	switch {
	case pushErr == nil:
		result.Status, result.Error = s.completeItem(ctx, current, resp)
	default:
		var conflictErr *remote.ConflictError
		if errors.As(pushErr, &conflictErr) {
			result.Status, result.Error = s.conflictItem(ctx, current, conflictErr)
			result.Conflict = conflictErr.Details
		} else {
			result.Status, result.Error = s.failItem(ctx, current, pushErr)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// completeItem records a successful push and reconciles the local snapshot
func (s *Service) completeItem(ctx context.Context, item *queue.Item, resp *remote.PushResponse) (queue.Status, string) {
	if err := s.queueRepo.MarkCompleted(ctx, item.TenantID, item.ID); err != nil {
		return queue.StatusFailed, fmt.Sprintf("marking item completed: %v", err)
	}

	var err error
	switch item.Action {
	case queue.ActionDelete, queue.ActionBulkDelete:
		err = s.snapshots.Delete(ctx, item.TenantID, item.StoreName, item.EntityID)
	default:
		var entity []byte
		if resp != nil {
			entity = resp.Entity
		}
		err = s.snapshots.Reconcile(ctx, item.TenantID, item.StoreName, item.EntityID, entity)
	}
	if err != nil {
		// The mutation is already durable on the server; surface the local
		// bookkeeping failure without undoing the completion
		s.logger.Error("Failed to reconcile snapshot after sync",
			"tenant_id", item.TenantID,
			"item_id", item.ID,
			"error", err,
		)
		return queue.StatusCompleted, fmt.Sprintf("reconciling snapshot: %v", err)
	}

	return queue.StatusCompleted, ""
}

// conflictItem records a server/client conflict; the item is excluded from
// automatic retry until explicitly resolved
func (s *Service) conflictItem(ctx context.Context, item *queue.Item, conflictErr *remote.ConflictError) (queue.Status, string) {
	details := conflictErr.Details
	if details == nil {
		details = &queue.ConflictDetails{Type: queue.ConflictTypeVersion}
	}

	if err := s.queueRepo.MarkConflict(ctx, item.TenantID, item.ID, details); err != nil {
		return queue.StatusFailed, fmt.Sprintf("marking item conflict: %v", err)
	}

	return queue.StatusConflict, conflictErr.Error()
}

// failItem records a transient failure with a backoff schedule; once the
// attempt budget is exhausted no retry time is set and the item stays failed
// until explicitly retried
func (s *Service) failItem(ctx context.Context, item *queue.Item, pushErr error) (queue.Status, string) {
	var retryAfter *time.Time
	if !item.AttemptsExhausted() {
		t := time.Now().UTC().Add(s.retryDelay(item.Metadata.AttemptCount))
		retryAfter = &t
	}

	if err := s.queueRepo.MarkFailed(ctx, item.TenantID, item.ID, pushErr.Error(), retryAfter); err != nil {
		return queue.StatusFailed, fmt.Sprintf("marking item failed: %v", err)
	}

	return queue.StatusFailed, pushErr.Error()
}

// retryDelay computes the exponential backoff delay for the given attempt
// count (1-based after MarkInProgress), capped at the configured maximum
func (s *Service) retryDelay(attemptCount int) time.Duration {
	base := s.cfg.Sync.RetryBackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	max := s.cfg.Sync.RetryBackoffMax
	if max <= 0 {
		max = 30 * time.Minute
	}

	delay := base
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// acquire takes the tenant's processing slot; returns false if already held
func (s *Service) acquire(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[tenantID] {
		return false
	}
	s.inflight[tenantID] = true
	return true
}

func (s *Service) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, tenantID)
}
