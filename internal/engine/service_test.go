package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/opsync/internal/config"
	"github.com/tildaslashalef/opsync/internal/loggy"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/remote"
	"github.com/tildaslashalef/opsync/internal/snapshot"
)

// fakeQueueRepo is an in-memory queue.Repository with the same transition
// guards as the SQL implementation
type fakeQueueRepo struct {
	mu         sync.Mutex
	items      map[string]*queue.Item
	order      []string
	batchSizes []int
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: make(map[string]*queue.Item)}
}

func (f *fakeQueueRepo) Enqueue(ctx context.Context, item *queue.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item.Status = queue.StatusPending
	f.items[item.ID] = item
	f.order = append(f.order, item.ID)
	return nil
}

func (f *fakeQueueRepo) GetItem(ctx context.Context, tenantID, id string) (*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, queue.ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (f *fakeQueueRepo) ListItems(ctx context.Context, tenantID string, filter queue.ListFilter) ([]*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*queue.Item
	for _, id := range f.order {
		item := f.items[id]
		if item.TenantID != tenantID {
			continue
		}
		copied := *item
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeQueueRepo) NextBatch(ctx context.Context, tenantID string, filter queue.BatchFilter) ([]*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchSizes = append(f.batchSizes, filter.Limit)

	now := time.Now().UTC()
	var eligible []*queue.Item
	for _, id := range f.order {
		item := f.items[id]
		if item.TenantID != tenantID || item.Status != queue.StatusPending {
			continue
		}
		if filter.Priority != "" && item.Metadata.Priority != filter.Priority {
			continue
		}
		if item.Metadata.RetryAfter != nil && item.Metadata.RetryAfter.After(now) {
			continue
		}
		copied := *item
		eligible = append(eligible, &copied)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Metadata.Priority.Rank() > eligible[j].Metadata.Priority.Rank()
	})

	if filter.Limit > 0 && len(eligible) > filter.Limit {
		eligible = eligible[:filter.Limit]
	}
	return eligible, nil
}

func (f *fakeQueueRepo) transition(tenantID, id string, from []queue.Status, to queue.Status) (*queue.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, queue.ErrItemNotFound
	}
	for _, s := range from {
		if item.Status == s {
			item.Status = to
			return item, nil
		}
	}
	return nil, queue.ErrInvalidTransition
}

func (f *fakeQueueRepo) MarkInProgress(ctx context.Context, tenantID, id string) (*queue.Item, error) {
	item, err := f.transition(tenantID, id, []queue.Status{queue.StatusPending}, queue.StatusInProgress)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	item.Metadata.AttemptCount++
	now := time.Now().UTC()
	item.Metadata.LastAttemptAt = &now
	copied := *item
	f.mu.Unlock()
	return &copied, nil
}

func (f *fakeQueueRepo) MarkCompleted(ctx context.Context, tenantID, id string) error {
	_, err := f.transition(tenantID, id, []queue.Status{queue.StatusInProgress}, queue.StatusCompleted)
	return err
}

func (f *fakeQueueRepo) MarkFailed(ctx context.Context, tenantID, id string, errMsg string, retryAfter *time.Time) error {
	item, err := f.transition(tenantID, id, []queue.Status{queue.StatusInProgress}, queue.StatusFailed)
	if err != nil {
		return err
	}
	f.mu.Lock()
	item.Metadata.ErrorMessage = errMsg
	item.Metadata.RetryAfter = retryAfter
	f.mu.Unlock()
	return nil
}

func (f *fakeQueueRepo) MarkConflict(ctx context.Context, tenantID, id string, details *queue.ConflictDetails) error {
	item, err := f.transition(tenantID, id, []queue.Status{queue.StatusInProgress}, queue.StatusConflict)
	if err != nil {
		return err
	}
	f.mu.Lock()
	item.Conflict = details
	f.mu.Unlock()
	return nil
}

func (f *fakeQueueRepo) MarkCancelled(ctx context.Context, tenantID, id string) error {
	_, err := f.transition(tenantID, id, []queue.Status{queue.StatusPending, queue.StatusFailed}, queue.StatusCancelled)
	return err
}

func (f *fakeQueueRepo) ResolveConflict(ctx context.Context, tenantID, id string, strategy queue.ResolutionStrategy) error {
	item, err := f.transition(tenantID, id, []queue.Status{queue.StatusConflict}, queue.StatusPending)
	if err != nil {
		return err
	}
	f.mu.Lock()
	item.Conflict = nil
	item.Metadata.RetryAfter = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeQueueRepo) RetryItems(ctx context.Context, tenantID string, filter queue.RetryFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, item := range f.items {
		if item.TenantID != tenantID {
			continue
		}
		if item.Status != queue.StatusFailed && item.Status != queue.StatusConflict {
			continue
		}
		item.Status = queue.StatusPending
		item.Conflict = nil
		item.Metadata.RetryAfter = nil
		count++
	}
	return count, nil
}

func (f *fakeQueueRepo) ClearQueue(ctx context.Context, tenantID string, filter queue.ClearFilter) (int, error) {
	return 0, nil
}

func (f *fakeQueueRepo) QueueStats(ctx context.Context, tenantID string) (*queue.Stats, error) {
	items, _ := f.ListItems(ctx, tenantID, queue.ListFilter{})
	return queue.ComputeStats(items, time.Now().UTC()), nil
}

// fakeSnapshotRepo records reconciliations and deletions
type fakeSnapshotRepo struct {
	mu         sync.Mutex
	reconciled []string
	deleted    []string
	failPut    bool
}

func (f *fakeSnapshotRepo) Put(ctx context.Context, snap *snapshot.Snapshot) error { return nil }
func (f *fakeSnapshotRepo) Get(ctx context.Context, tenantID, storeName, entityID string) (*snapshot.Snapshot, error) {
	return nil, snapshot.ErrSnapshotNotFound
}
func (f *fakeSnapshotRepo) List(ctx context.Context, tenantID, storeName string) ([]*snapshot.Snapshot, error) {
	return nil, nil
}
func (f *fakeSnapshotRepo) Delete(ctx context.Context, tenantID, storeName, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, entityID)
	return nil
}
func (f *fakeSnapshotRepo) MarkSynced(ctx context.Context, tenantID, storeName, entityID string) error {
	return nil
}
func (f *fakeSnapshotRepo) Reconcile(ctx context.Context, tenantID, storeName, entityID string, entity json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return fmt.Errorf("disk full")
	}
	f.reconciled = append(f.reconciled, entityID)
	return nil
}

// scriptedAdapter returns canned outcomes per entity id and records push order
type scriptedAdapter struct {
	mu       sync.Mutex
	outcomes map[string]error // nil entry or missing key means success
	pushed   []string
	block    chan struct{} // when set, Push waits until the channel closes
}

func (a *scriptedAdapter) Push(ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	a.pushed = append(a.pushed, req.EntityID)
	err := a.outcomes[req.EntityID]
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &remote.PushResponse{
		Entity:        json.RawMessage(fmt.Sprintf(`{"id":%q,"version":1}`, req.EntityID)),
		ServerVersion: 1,
	}, nil
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.Sync.BatchSize = 10
	cfg.Sync.ForceBatchSize = 50
	cfg.Sync.Interval = 25 * time.Millisecond
	cfg.Sync.MaxAttempts = 3
	cfg.Sync.RetryBackoffBase = 30 * time.Second
	cfg.Sync.RetryBackoffMax = 30 * time.Minute
	return cfg
}

func newTestEngine(repo queue.Repository, snaps snapshot.Repository, adapter remote.Adapter) *Service {
	return NewService(repo, snaps, adapter, testConfig(), loggy.NewNoopLogger())
}

func enqueue(t *testing.T, repo *fakeQueueRepo, entityID string, action queue.Action, priority queue.Priority) *queue.Item {
	t.Helper()
	var payload json.RawMessage
	if action != queue.ActionDelete && action != queue.ActionBulkDelete {
		payload = json.RawMessage(`{"v":1}`)
	}
	item := queue.NewItem("org_1", "tickets", entityID, action, payload)
	item.Metadata.Priority = priority
	require.NoError(t, repo.Enqueue(context.Background(), item))
	return item
}

func TestProcessQueueEmptyBatch(t *testing.T) {
	repo := newFakeQueueRepo()
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, &scriptedAdapter{})

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Total)
	assert.Empty(t, result.Items)
}

func TestProcessQueueRequiresTenant(t *testing.T) {
	svc := newTestEngine(newFakeQueueRepo(), &fakeSnapshotRepo{}, &scriptedAdapter{})

	_, err := svc.ProcessQueue(context.Background(), "", ProcessOptions{})
	assert.Error(t, err)
}

func TestProcessQueueSuccess(t *testing.T) {
	repo := newFakeQueueRepo()
	snaps := &fakeSnapshotRepo{}
	adapter := &scriptedAdapter{outcomes: map[string]error{}}
	svc := newTestEngine(repo, snaps, adapter)

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Failed)

	stored, err := repo.GetItem(context.Background(), "org_1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Metadata.AttemptCount)
	assert.Equal(t, []string{"tick_1"}, snaps.reconciled)
}

func TestProcessQueueDeleteRemovesSnapshot(t *testing.T) {
	repo := newFakeQueueRepo()
	snaps := &fakeSnapshotRepo{}
	svc := newTestEngine(repo, snaps, &scriptedAdapter{})

	enqueue(t, repo, "tick_gone", queue.ActionDelete, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"tick_gone"}, snaps.deleted)
	assert.Empty(t, snaps.reconciled)
}

func TestProcessQueueTransientFailureSchedulesRetry(t *testing.T) {
	repo := newFakeQueueRepo()
	adapter := &scriptedAdapter{outcomes: map[string]error{
		"tick_1": errors.New("connection refused"),
	}}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, err := repo.GetItem(context.Background(), "org_1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Equal(t, "connection refused", stored.Metadata.ErrorMessage)
	require.NotNil(t, stored.Metadata.RetryAfter)
	assert.True(t, stored.Metadata.RetryAfter.After(time.Now()))

	// Failed items are not picked up by the next pass
	next, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Zero(t, next.Total)
}

func TestProcessQueueExhaustedAttemptsGetNoRetryTime(t *testing.T) {
	repo := newFakeQueueRepo()
	adapter := &scriptedAdapter{outcomes: map[string]error{
		"tick_1": errors.New("still down"),
	}}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)
	item.Metadata.AttemptCount = 0
	item.Metadata.MaxAttempts = 1

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, err := repo.GetItem(context.Background(), "org_1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.True(t, stored.AttemptsExhausted())
	assert.Nil(t, stored.Metadata.RetryAfter, "exhausted items must not be rescheduled")
}

func TestProcessQueueConflict(t *testing.T) {
	repo := newFakeQueueRepo()
	details := &queue.ConflictDetails{
		Type:          queue.ConflictTypeVersion,
		ServerVersion: 5,
		ClientVersion: 3,
	}
	adapter := &scriptedAdapter{outcomes: map[string]error{
		"tick_1": &remote.ConflictError{Details: details},
	}}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	require.Len(t, result.Items, 1)
	assert.Equal(t, details, result.Items[0].Conflict)

	stored, err := repo.GetItem(context.Background(), "org_1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusConflict, stored.Status)
	require.NotNil(t, stored.Conflict)
	assert.EqualValues(t, 5, stored.Conflict.ServerVersion)

	// Conflicted items stay out of later passes until resolved
	next, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Zero(t, next.Total)

	// Resolution requeues; this time the server accepts
	adapter.mu.Lock()
	delete(adapter.outcomes, "tick_1")
	adapter.mu.Unlock()
	require.NoError(t, repo.ResolveConflict(context.Background(), "org_1", item.ID, queue.ResolutionClientWins))

	after, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, after.Succeeded)
}

func TestProcessQueueOneFailureDoesNotAbortPass(t *testing.T) {
	repo := newFakeQueueRepo()
	adapter := &scriptedAdapter{outcomes: map[string]error{
		"tick_2": errors.New("boom"),
	}}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)
	enqueue(t, repo, "tick_2", queue.ActionUpdate, queue.PriorityNormal)
	enqueue(t, repo, "tick_3", queue.ActionUpdate, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestProcessQueuePriorityOrdering(t *testing.T) {
	repo := newFakeQueueRepo()
	adapter := &scriptedAdapter{}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	enqueue(t, repo, "low_1", queue.ActionUpdate, queue.PriorityLow)
	enqueue(t, repo, "crit_1", queue.ActionUpdate, queue.PriorityCritical)
	enqueue(t, repo, "norm_1", queue.ActionUpdate, queue.PriorityNormal)
	enqueue(t, repo, "norm_2", queue.ActionUpdate, queue.PriorityNormal)

	_, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"crit_1", "norm_1", "norm_2", "low_1"}, adapter.pushed,
		"items must be pushed in priority order, enqueue order within a priority")
}

func TestProcessQueueRejectsConcurrentPass(t *testing.T) {
	repo := newFakeQueueRepo()
	block := make(chan struct{})
	adapter := &scriptedAdapter{block: block}
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, adapter)

	enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
		firstDone <- err
	}()

	// Wait until the first pass is inside the adapter call
	require.Eventually(t, func() bool {
		return svc.IsProcessing("org_1")
	}, time.Second, 5*time.Millisecond)

	_, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	assert.ErrorIs(t, err, ErrSyncInProgress)

	// A different tenant is not blocked
	_, err = svc.ProcessQueue(context.Background(), "org_2", ProcessOptions{})
	assert.NoError(t, err)

	close(block)
	require.NoError(t, <-firstDone)
	assert.False(t, svc.IsProcessing("org_1"))
}

func TestProcessQueueCancelledBetweenSelectionAndPickup(t *testing.T) {
	repo := newFakeQueueRepo()
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, &scriptedAdapter{})

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	// Cancel behind the engine's back, then hand the stale selection to the
	// item processor directly
	require.NoError(t, repo.MarkCancelled(context.Background(), "org_1", item.ID))

	stale := *item
	stale.Status = queue.StatusPending
	result := svc.processItem(context.Background(), &stale)

	assert.Equal(t, queue.StatusCancelled, result.Status)
	assert.Empty(t, result.Error)
}

func TestProcessQueueSnapshotFailureKeepsCompletion(t *testing.T) {
	repo := newFakeQueueRepo()
	snaps := &fakeSnapshotRepo{failPut: true}
	svc := newTestEngine(repo, snaps, &scriptedAdapter{})

	item := enqueue(t, repo, "tick_1", queue.ActionUpdate, queue.PriorityNormal)

	result, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.NotEmpty(t, result.Items[0].Error)

	stored, err := repo.GetItem(context.Background(), "org_1", item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
}

func TestRetryDelayBackoff(t *testing.T) {
	svc := newTestEngine(newFakeQueueRepo(), &fakeSnapshotRepo{}, &scriptedAdapter{})

	assert.Equal(t, 30*time.Second, svc.retryDelay(1))
	assert.Equal(t, 60*time.Second, svc.retryDelay(2))
	assert.Equal(t, 120*time.Second, svc.retryDelay(3))

	// Capped at the configured maximum
	assert.Equal(t, 30*time.Minute, svc.retryDelay(12))
}

func TestLastSyncAt(t *testing.T) {
	repo := newFakeQueueRepo()
	svc := newTestEngine(repo, &fakeSnapshotRepo{}, &scriptedAdapter{})

	_, ok := svc.LastSyncAt("org_1")
	assert.False(t, ok)

	_, err := svc.ProcessQueue(context.Background(), "org_1", ProcessOptions{})
	require.NoError(t, err)

	at, ok := svc.LastSyncAt("org_1")
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Second)
}
