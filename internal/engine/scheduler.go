package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tildaslashalef/opsync/internal/loggy"
)

// AutoSync is a background loop that runs a processing pass for one tenant at
// a fixed interval. Handles are owned by the Service; obtain one through
// StartAutoSync and release it with Stop.
type AutoSync struct {
	tenantID  string
	svc       *Service
	interval  time.Duration
	batchSize int
	logger    *loggy.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StartAutoSync begins periodic processing for the tenant. Calling it again
// while a loop is running returns the existing handle, so repeated starts
// never stack tickers.
func (s *Service) StartAutoSync(tenantID string) (*AutoSync, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.watchers[tenantID]; ok {
		return existing, nil
	}

	interval := s.cfg.Sync.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	auto := &AutoSync{
		tenantID:  tenantID,
		svc:       s,
		interval:  interval,
		batchSize: s.cfg.Sync.BatchSize,
		logger:    s.logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.watchers[tenantID] = auto

	go auto.run()

	s.logger.Info("Auto sync started",
		"tenant_id", tenantID,
		"interval", interval,
	)

	return auto, nil
}

// StopAutoSync stops the tenant's periodic processing if it is running
func (s *Service) StopAutoSync(tenantID string) {
	s.mu.Lock()
	auto, ok := s.watchers[tenantID]
	s.mu.Unlock()

	if ok {
		auto.Stop()
	}
}

// AutoSyncRunning reports whether a periodic loop is active for the tenant
func (s *Service) AutoSyncRunning(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[tenantID]
	return ok
}

// run is the ticker loop; it exits when Stop is called
func (a *AutoSync) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick runs one scheduled pass; an already-running pass is skipped, not queued
func (a *AutoSync) tick() {
	result, err := a.svc.ProcessQueue(context.Background(), a.tenantID, ProcessOptions{
		BatchSize: a.batchSize,
	})
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			a.logger.Debug("Skipping scheduled sync, pass already running",
				"tenant_id", a.tenantID,
			)
			return
		}
		a.logger.Error("Scheduled sync failed",
			"tenant_id", a.tenantID,
			"error", err,
		)
		return
	}

	if result.Total > 0 {
		a.logger.Debug("Scheduled sync pass finished",
			"tenant_id", a.tenantID,
			"total", result.Total,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"conflicts", result.Conflicts,
		)
	}
}

// ForceSync runs an immediate pass outside the ticker cadence
func (a *AutoSync) ForceSync(ctx context.Context) (*BatchResult, error) {
	return a.svc.ForceSync(ctx, a.tenantID)
}

// Stop terminates the loop and releases the tenant's handle. Safe to call
// more than once.
func (a *AutoSync) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		<-a.done

		a.svc.mu.Lock()
		if a.svc.watchers[a.tenantID] == a {
			delete(a.svc.watchers, a.tenantID)
		}
		a.svc.mu.Unlock()

		a.logger.Info("Auto sync stopped", "tenant_id", a.tenantID)
	})
}
