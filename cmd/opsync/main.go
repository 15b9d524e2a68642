package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/opsync/internal/app"
	"github.com/tildaslashalef/opsync/internal/commands"
)

// Version information - populated at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "tenant",
		Aliases: []string{"t"},
		Usage:   "Tenant (organization) the queue operations are scoped to",
		EnvVars: []string{"OPSYNC_TENANT_ID"},
	},
}

func main() {
	cliApp := &cli.App{
		Name:  "opsync",
		Usage: "Offline-first sync queue for tenant-scoped mutations",
		Description: "Opsync keeps a durable, per-tenant queue of local mutations and\n" +
			"delivers them to the sync server in priority order, with retry,\n" +
			"backoff and conflict tracking.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Flags: globalFlags,
		Before: func(c *cli.Context) error {
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if application, ok := c.App.Metadata["app"].(*app.App); ok {
				return application.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.EnqueueCommand(),
			commands.ProcessCommand(),
			commands.ListCommand(),
			commands.StatsCommand(),
			commands.RetryCommand(),
			commands.CancelCommand(),
			commands.ResolveCommand(),
			commands.ClearCommand(),
			commands.WatchCommand(),
			commands.MigrateCommand(),
		},
		Action: func(c *cli.Context) error {
			// Default action shows queue stats
			return commands.StatsCommand().Action(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
