package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/opsync/internal/client"
	"github.com/tildaslashalef/opsync/internal/engine"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/utils"
)

// ProcessCommand returns the CLI command for running one processing pass
func ProcessCommand() *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "Run one processing pass over the sync queue",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "batch-size",
				Aliases: []string{"b"},
				Usage:   "Maximum items to process in this pass (default from config)",
			},
			&cli.StringFlag{
				Name:    "priority",
				Aliases: []string{"p"},
				Usage:   "Only process items of this priority",
			},
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Use the larger force batch size",
			},
		},
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			var result *engine.BatchResult
			if c.Bool("force") {
				result, err = facade.ForceSync(c.Context)
			} else {
				opts := engine.ProcessOptions{BatchSize: c.Int("batch-size")}
				if p := c.String("priority"); p != "" {
					opts.Priority = queue.Priority(p)
				}
				result, err = facade.ProcessQueue(c.Context, opts)
			}
			if err != nil {
				utils.PrintError(fmt.Sprintf("Processing failed: %s", err))
				return err
			}

			printBatchResult(result)
			return nil
		},
	}
}

// printBatchResult renders the outcome of one pass
func printBatchResult(result *engine.BatchResult) {
	if result.Total == 0 {
		utils.PrintInfo("Nothing to sync")
		return
	}

	rows := make([][]string, 0, len(result.Items))
	for _, item := range result.Items {
		rows = append(rows, []string{
			item.ItemID,
			item.StoreName,
			item.EntityID,
			string(item.Status),
			utils.FormatDuration(item.Duration),
			item.Error,
		})
	}

	utils.PrintTable(
		[]string{"ID", "Store", "Entity", "Outcome", "Duration", "Error"},
		rows,
		utils.TableOptions{Title: fmt.Sprintf("Batch %s", result.BatchID)},
	)

	summary := fmt.Sprintf("%d processed: %d succeeded, %d failed, %d conflicts in %s",
		result.Total, result.Succeeded, result.Failed, result.Conflicts,
		utils.FormatDuration(result.Duration))

	if result.Failed > 0 || result.Conflicts > 0 {
		utils.PrintWarning(summary)
	} else {
		utils.PrintSuccess(summary)
	}
}

// WatchCommand returns the CLI command for continuous background syncing
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run auto sync in the foreground until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "refresh",
				Usage: "Interval between status refreshes",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			auto, err := facade.StartAutoSync()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to start auto sync: %s", err))
				return err
			}
			defer auto.Stop()

			utils.PrintInfo(fmt.Sprintf("Auto sync running for tenant %s, press Ctrl-C to stop", facade.TenantID()))

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			ticker := time.NewTicker(c.Duration("refresh"))
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					fmt.Println()
					utils.PrintInfo("Stopping auto sync")
					return nil
				case <-ticker.C:
					if err := printWatchLine(c, facade); err != nil {
						utils.PrintWarning(fmt.Sprintf("Failed to refresh stats: %s", err))
					}
				}
			}
		},
	}
}

// printWatchLine renders a one-line queue summary for the watch loop
func printWatchLine(c *cli.Context, facade *client.Client) error {
	stats, err := facade.RefreshStats(c.Context)
	if err != nil {
		return err
	}

	pending := stats.ByStatus[queue.StatusPending]
	failed := stats.ByStatus[queue.StatusFailed]
	conflicts := stats.ByStatus[queue.StatusConflict]
	completed := stats.ByStatus[queue.StatusCompleted]

	last := "never"
	if t, ok := facade.LastSyncAt(); ok {
		last = utils.FormatDuration(time.Since(t)) + " ago"
	}

	fmt.Printf("%s  pending %s  completed %s  failed %s  conflicts %s  last sync %s\n",
		time.Now().Local().Format(time.TimeOnly),
		color.YellowString("%d", pending),
		color.GreenString("%d", completed),
		color.RedString("%d", failed),
		color.MagentaString("%d", conflicts),
		last,
	)
	return nil
}
