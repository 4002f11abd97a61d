package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/brojonat/oreflow/service/db"
	"github.com/urfave/cli/v2"
)

func attemptsListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List a wallet's signature attempts, newest first",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of attempts",
				Value:   db.DefaultListLimit,
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			filters, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			attempts, err := cl.ListAttempts(c.Context, c.Args().First(), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list attempts: %w", err)
			}

			matched := attempts[:0]
			for _, a := range attempts {
				if matchesAll(filters, a) {
					matched = append(matched, a)
				}
			}

			if c.Bool("json") {
				return outputJSON(matched)
			}
			printAttempts(matched)
			return nil
		},
	}
}

func attemptsGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the attempt that produced a signature",
		ArgsUsage: "SIGNATURE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("signature is required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			attempt, err := cl.GetAttempt(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no attempt recorded for %s", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get attempt: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(attempt)
			}
			fmt.Printf("Machine:    %s\n", attempt.MachineID)
			fmt.Printf("Wallet:     %s\n", attempt.Wallet)
			fmt.Printf("Template:   %s\n", attempt.Template)
			fmt.Printf("Attempt:    %d\n", attempt.Attempt)
			fmt.Printf("Status:     %s\n", attempt.Status)
			fmt.Printf("Signature:  %s\n", optional(attempt.Signature))
			if attempt.ErrorKind != nil {
				fmt.Printf("Error:      %s (%s)\n", optional(attempt.Error), *attempt.ErrorKind)
			}
			fmt.Printf("Created At: %s\n", attempt.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated At: %s\n", attempt.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func printAttempts(attempts []*client.Attempt) {
	if len(attempts) == 0 {
		fmt.Println("No attempts found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPDATED\tTEMPLATE\tATTEMPT\tSTATUS\tSIGNATURE / ERROR")
	for _, a := range attempts {
		detail := optional(a.Signature)
		if a.ErrorKind != nil {
			detail = *a.ErrorKind
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			a.UpdatedAt.Format(time.RFC3339),
			a.Template,
			a.Attempt,
			a.Status,
			detail,
		)
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "\nTotal: %d attempts\n", len(attempts))
}

// Helper function to format optional values
func optional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}

func dbAttemptsCommand() *cli.Command {
	return &cli.Command{
		Name:      "attempts",
		Usage:     "List a wallet's attempts directly from the database",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of attempts",
				Value:   db.DefaultListLimit,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rows, err := store.ListAttempts(c.Context, c.Args().First(), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list attempts: %w", err)
			}

			attempts := make([]*client.Attempt, len(rows))
			for i, row := range rows {
				attempts[i] = &client.Attempt{
					MachineID: row.MachineID,
					Wallet:    row.Wallet,
					Template:  row.Template,
					Attempt:   row.Attempt,
					Status:    row.Status,
					Signature: row.Signature,
					ErrorKind: row.ErrorKind,
					Error:     row.Error,
					CreatedAt: row.CreatedAt,
					UpdatedAt: row.UpdatedAt,
				}
			}

			if c.Bool("json") {
				return outputJSON(attempts)
			}
			printAttempts(attempts)
			return nil
		},
	}
}

func dbMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the attempt history schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Println("✓ Schema is up to date")
			return nil
		},
	}
}
