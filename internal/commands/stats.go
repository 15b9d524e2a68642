package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/utils"
)

// statusOrder fixes the display order of lifecycle statuses
var statusOrder = []queue.Status{
	queue.StatusPending,
	queue.StatusInProgress,
	queue.StatusCompleted,
	queue.StatusFailed,
	queue.StatusConflict,
	queue.StatusCancelled,
}

// StatsCommand returns the CLI command for queue-health metrics
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show sync queue health metrics",
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			stats, err := facade.RefreshStats(c.Context)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to compute stats: %s", err))
				return err
			}

			utils.PrintHeading(fmt.Sprintf("Sync Queue: %s", facade.TenantID()))
			utils.PrintKeyValue("Total items", fmt.Sprintf("%d", stats.Total))

			if stats.Total == 0 {
				utils.PrintInfo("Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(statusOrder))
			for _, status := range statusOrder {
				if count := stats.ByStatus[status]; count > 0 {
					rows = append(rows, []string{string(status), fmt.Sprintf("%d", count)})
				}
			}
			utils.PrintTable([]string{"Status", "Count"}, rows)

			if len(stats.ByStore) > 0 {
				stores := make([]string, 0, len(stats.ByStore))
				for store := range stats.ByStore {
					stores = append(stores, store)
				}
				sort.Strings(stores)

				storeRows := make([][]string, 0, len(stores))
				for _, store := range stores {
					storeRows = append(storeRows, []string{store, fmt.Sprintf("%d", stats.ByStore[store])})
				}
				utils.PrintTable([]string{"Store", "Count"}, storeRows)
			}

			utils.PrintDivider()
			if stats.OldestPendingAt != nil {
				utils.PrintKeyValue("Oldest pending",
					fmt.Sprintf("%s (%s ago)",
						stats.OldestPendingAt.Local().Format(time.DateTime),
						utils.FormatDuration(stats.OldestPendingAge)))
			}
			utils.PrintKeyValue("Mean attempts", fmt.Sprintf("%.2f", stats.MeanAttempts))
			utils.PrintKeyValue("Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100))

			if t, ok := facade.LastSyncAt(); ok {
				utils.PrintKeyValue("Last sync", t.Local().Format(time.DateTime))
			}

			return nil
		},
	}
}
