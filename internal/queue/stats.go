package queue

import (
	"time"
)

// Stats is a derived, read-time aggregation of queue health for one tenant.
// It has no independent lifecycle and is recomputed on demand.
type Stats struct {
	Total            int              `json:"total"`
	ByStatus         map[Status]int   `json:"by_status"`
	ByStore          map[string]int   `json:"by_store"`
	ByPriority       map[Priority]int `json:"by_priority"`
	OldestPendingAt  *time.Time       `json:"oldest_pending_at,omitempty"`
	OldestPendingAge time.Duration    `json:"oldest_pending_age"`
	MeanAttempts     float64          `json:"mean_attempts"`
	SuccessRate      float64          `json:"success_rate"`
}

// ComputeStats aggregates queue-health metrics over the given items.
// Success rate is completed / (completed + failed + conflict) over the
// snapshot; it is zero when no item has reached any of those states.
func ComputeStats(items []*Item, now time.Time) *Stats {
	stats := &Stats{
		Total:      len(items),
		ByStatus:   make(map[Status]int),
		ByStore:    make(map[string]int),
		ByPriority: make(map[Priority]int),
	}

	var attemptSum int
	for _, item := range items {
		stats.ByStatus[item.Status]++
		stats.ByStore[item.StoreName]++
		stats.ByPriority[item.Metadata.Priority]++
		attemptSum += item.Metadata.AttemptCount

		if item.Status == StatusPending {
			if stats.OldestPendingAt == nil || item.EnqueuedAt.Before(*stats.OldestPendingAt) {
				t := item.EnqueuedAt
				stats.OldestPendingAt = &t
			}
		}
	}

	if stats.OldestPendingAt != nil {
		stats.OldestPendingAge = now.Sub(*stats.OldestPendingAt)
	}

	if len(items) > 0 {
		stats.MeanAttempts = float64(attemptSum) / float64(len(items))
	}

	settled := stats.ByStatus[StatusCompleted] + stats.ByStatus[StatusFailed] + stats.ByStatus[StatusConflict]
	if settled > 0 {
		stats.SuccessRate = float64(stats.ByStatus[StatusCompleted]) / float64(settled)
	}

	return stats
}
