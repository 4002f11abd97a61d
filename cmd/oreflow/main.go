package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "oreflow",
		Usage: "ORE relayer transaction pipeline CLI",
		Description: `A command-line tool for building, signing and tracking relayer transactions.

Use this CLI to run transactions with a local keypair, drive custodial workflows
through the server, and inspect attempt history, status streams and workflows.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Ledger reads through the HTTP API
			balanceCommand(),
			solBalanceCommand(),
			escrowCommand(),
			// Transactions
			{
				Name:  "tx",
				Usage: "Transaction commands",
				Subcommands: []*cli.Command{
					txRunCommand(),
					txStartCommand(),
					txGetCommand(),
				},
			},
			// Attempt history through the HTTP API
			{
				Name:  "attempts",
				Usage: "Attempt history commands",
				Subcommands: []*cli.Command{
					attemptsListCommand(),
					attemptsGetCommand(),
				},
			},
			// SSE status stream
			streamCommand(),
			// Direct database access
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					dbAttemptsCommand(),
					dbMigrateCommand(),
				},
			},
			// Temporal inspection
			{
				Name:  "temporal",
				Usage: "Temporal inspection commands",
				Subcommands: []*cli.Command{
					listWorkflowsCommand(),
				},
			},
			// NATS status streaming
			{
				Name:  "nats",
				Usage: "NATS status streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "oreflow server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
