package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/urfave/cli/v2"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show a wallet's ORE token balance",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			balance, err := cl.Balance(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(balance)
			}
			printBalance("ORE", balance)
			return nil
		},
	}
}

func solBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "sol-balance",
		Usage:     "Show a wallet's SOL balance",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			balance, err := cl.SOLBalance(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get SOL balance: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(balance)
			}
			printBalance("SOL", balance)
			return nil
		},
	}
}

func escrowCommand() *cli.Command {
	return &cli.Command{
		Name:      "escrow",
		Usage:     "Show a wallet's escrow account",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			escrow, err := cl.Escrow(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no escrow account for %s (run: oreflow tx run open_account)", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get escrow: %w", err)
			}
			if c.Bool("json") {
				return outputJSON(escrow)
			}

			fmt.Printf("Escrow:          %s\n", escrow.Address)
			fmt.Printf("Authority:       %s\n", escrow.Authority)
			fmt.Printf("Lamports:        %d\n", escrow.Lamports)
			fmt.Printf("Total Deposited: %d\n", escrow.TotalDeposited)
			if !escrow.LastFundedAt.IsZero() {
				fmt.Printf("Last Funded:     %s\n", escrow.LastFundedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func printBalance(unit string, b *client.Balance) {
	fmt.Printf("Owner:    %s\n", b.Owner)
	fmt.Printf("Account:  %s\n", b.Account)
	fmt.Printf("Balance:  %s %s (%d raw)\n", b.Display, unit, b.Raw)
}
