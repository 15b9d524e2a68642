// Package commands implements the CLI surface of the sync queue
package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/opsync/internal/app"
	"github.com/tildaslashalef/opsync/internal/client"
	"github.com/tildaslashalef/opsync/internal/queue"
	"github.com/tildaslashalef/opsync/internal/utils"
)

// tenantClient resolves the tenant-bound facade from the CLI context
func tenantClient(c *cli.Context) (*client.Client, error) {
	application, err := app.FromContext(c)
	if err != nil {
		return nil, err
	}

	tenantID := c.String("tenant")
	if tenantID == "" {
		return nil, fmt.Errorf("tenant is required (use --tenant or OPSYNC_TENANT_ID)")
	}

	return application.Client(tenantID), nil
}

// parseStatuses converts a comma-separated status list into queue statuses
func parseStatuses(raw string) ([]queue.Status, error) {
	if raw == "" {
		return nil, nil
	}

	var statuses []queue.Status
	for _, part := range strings.Split(raw, ",") {
		status := queue.Status(strings.TrimSpace(part))
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// EnqueueCommand returns the CLI command for adding a mutation to the queue
func EnqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Add a pending mutation to the sync queue",
		ArgsUsage: "<store> <entity-id> <action> [payload-json]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "priority",
				Aliases: []string{"p"},
				Usage:   "Scheduling priority (low, normal, high, critical)",
			},
			&cli.StringFlag{
				Name:  "correlation-id",
				Usage: "Correlation id grouping related mutations",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("usage: enqueue <store> <entity-id> <action> [payload-json]")
			}

			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			storeName := c.Args().Get(0)
			entityID := c.Args().Get(1)
			action := queue.Action(c.Args().Get(2))

			var payload json.RawMessage
			if c.NArg() > 3 {
				raw := c.Args().Get(3)
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(raw)
			}

			opts := client.EnqueueOptions{
				CorrelationID: c.String("correlation-id"),
			}
			if p := c.String("priority"); p != "" {
				opts.Priority = queue.Priority(p)
			}

			item, err := facade.EnqueueItem(c.Context, storeName, entityID, action, payload, opts)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to enqueue item: %s", err))
				return err
			}

			utils.PrintSuccess(fmt.Sprintf("Enqueued %s", item.ID))
			utils.PrintKeyValue("Store", item.StoreName)
			utils.PrintKeyValue("Entity", item.EntityID)
			utils.PrintKeyValue("Action", string(item.Action))
			utils.PrintKeyValue("Priority", string(item.Metadata.Priority))
			return nil
		},
	}
}

// ListCommand returns the CLI command for inspecting queued items
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List items in the sync queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (comma-separated: pending,failed,...)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Filter by store name",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of items to show",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			statuses, err := parseStatuses(c.String("status"))
			if err != nil {
				return err
			}

			items, err := facade.ListItems(c.Context, queue.ListFilter{
				Statuses:  statuses,
				StoreName: c.String("store"),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to list items: %s", err))
				return err
			}

			if len(items) == 0 {
				utils.PrintInfo("Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				errMsg := item.Metadata.ErrorMessage
				if len(errMsg) > 40 {
					errMsg = errMsg[:37] + "..."
				}
				rows = append(rows, []string{
					item.ID,
					item.StoreName,
					item.EntityID,
					string(item.Action),
					string(item.Status),
					string(item.Metadata.Priority),
					fmt.Sprintf("%d/%d", item.Metadata.AttemptCount, item.Metadata.MaxAttempts),
					item.EnqueuedAt.Local().Format(time.DateTime),
					errMsg,
				})
			}

			utils.PrintTable(
				[]string{"ID", "Store", "Entity", "Action", "Status", "Priority", "Attempts", "Enqueued", "Error"},
				rows,
				utils.TableOptions{Title: fmt.Sprintf("Sync Queue (%d)", len(items))},
			)
			return nil
		},
	}
}

// CancelCommand returns the CLI command for withdrawing an item
func CancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending or failed item",
		ArgsUsage: "<item-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: cancel <item-id>")
			}

			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			id := c.Args().Get(0)
			if err := facade.CancelItem(c.Context, id); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to cancel item: %s", err))
				return err
			}

			utils.PrintSuccess(fmt.Sprintf("Cancelled %s", id))
			return nil
		},
	}
}

// ResolveCommand returns the CLI command for resolving a conflicted item
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a conflicted item and requeue it",
		ArgsUsage: "<item-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "strategy",
				Usage: "Resolution strategy (client_wins, server_wins, merge, latest_wins, manual)",
				Value: string(queue.ResolutionClientWins),
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: resolve <item-id>")
			}

			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			id := c.Args().Get(0)
			strategy := queue.ResolutionStrategy(c.String("strategy"))

			if err := facade.ResolveConflict(c.Context, id, strategy); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to resolve conflict: %s", err))
				return err
			}

			utils.PrintSuccess(fmt.Sprintf("Resolved %s (%s), item requeued", id, strategy))
			return nil
		},
	}
}

// RetryCommand returns the CLI command for requeueing failed items
func RetryCommand() *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Reset failed and conflicted items back to pending",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Usage: "Only retry items of this store",
			},
			&cli.StringFlag{
				Name:  "entity",
				Usage: "Only retry items of this entity",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Skip items that already used this many attempts (0 = no cap)",
			},
		},
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			count, err := facade.RetryFailed(c.Context, queue.RetryFilter{
				MaxRetries: c.Int("max-retries"),
				StoreName:  c.String("store"),
				EntityID:   c.String("entity"),
			})
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to retry items: %s", err))
				return err
			}

			if count == 0 {
				utils.PrintInfo("No items eligible for retry")
			} else {
				utils.PrintSuccess(fmt.Sprintf("Requeued %d item(s)", count))
			}
			return nil
		},
	}
}

// ClearCommand returns the CLI command for bulk-removing items
func ClearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove items from the sync queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Only remove items in these statuses (comma-separated)",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Only remove items of this store",
			},
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Only remove items enqueued more than this long ago",
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Skip the confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			facade, err := tenantClient(c)
			if err != nil {
				return err
			}

			statuses, err := parseStatuses(c.String("status"))
			if err != nil {
				return err
			}

			filter := queue.ClearFilter{
				Statuses:  statuses,
				StoreName: c.String("store"),
			}
			if age := c.Duration("older-than"); age > 0 {
				cutoff := time.Now().UTC().Add(-age)
				filter.OlderThan = &cutoff
			}

			if !c.Bool("yes") {
				utils.PrintWarning("This permanently removes matching items, including unsynced mutations.")
				fmt.Print("Continue? [y/N]: ")
				var answer string
				fmt.Scanln(&answer)
				if strings.ToLower(strings.TrimSpace(answer)) != "y" {
					utils.PrintInfo("Aborted")
					return nil
				}
			}

			count, err := facade.ClearSyncQueue(c.Context, filter)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to clear queue: %s", err))
				return err
			}

			utils.PrintSuccess(fmt.Sprintf("Removed %d item(s)", count))
			return nil
		},
	}
}
