package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatbroker/pkg/connector"
)

var initDBCommand = &cli.Command{
	Name:   "init-db",
	Usage:  "Create or update the database schema",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		b, err := newBroker(ctx.Context, getConfig(ctx), getLogger(ctx))
		if err != nil {
			return err
		}
		defer b.Close()
		fmt.Printf("Database at %s is up to date\n", getConfig(ctx).Database.Path)
		return nil
	},
}

var syncCommand = &cli.Command{
	Name:      "sync",
	Usage:     "Run a full friend and group listing sync for one account",
	ArgsUsage: "ACCOUNT_ID",
	Before:    prepareApp,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "only-missing",
			Usage: "Skip tracks that already completed",
		},
	},
	Action: cmdSync,
}

func cmdSync(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify an account id")
	}
	var accountID int64
	if _, err := fmt.Sscan(ctx.Args().Get(0), &accountID); err != nil {
		return fmt.Errorf("invalid account id %q", ctx.Args().Get(0))
	}
	b, err := newBroker(ctx.Context, getConfig(ctx), getLogger(ctx))
	if err != nil {
		return err
	}
	defer b.Close()
	acc, err := b.account(ctx.Context, accountID)
	if err != nil {
		return err
	}
	if err = b.Tracker.Run(ctx.Context, acc, !ctx.Bool("only-missing")); err != nil {
		return err
	}
	progress, err := b.Tracker.Get(ctx.Context, acc.ID)
	if err != nil {
		return err
	}
	return printJSON(progress)
}

var fixUnknownNamesCommand = &cli.Command{
	Name:   "fix-unknown-names",
	Usage:  "Retry resolving friends, groups and conversations still named with the placeholder",
	Before: prepareApp,
	Action: func(ctx *cli.Context) error {
		b, err := newBroker(ctx.Context, getConfig(ctx), getLogger(ctx))
		if err != nil {
			return err
		}
		defer b.Close()
		report, err := b.Engine.FixUnknownNames(ctx.Context)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var relinkOrphansCommand = &cli.Command{
	Name:   "relink-orphans",
	Usage:  "Attach messages that were stored without a conversation",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of messages to relink",
			Value: 1000,
		},
	},
	Action: func(ctx *cli.Context) error {
		b, err := newBroker(ctx.Context, getConfig(ctx), getLogger(ctx))
		if err != nil {
			return err
		}
		defer b.Close()
		report, err := b.Engine.RelinkOrphans(ctx.Context, ctx.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print the example config",
	Action: func(ctx *cli.Context) error {
		_, err := fmt.Fprint(os.Stdout, connector.ExampleConfig)
		return err
	},
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
