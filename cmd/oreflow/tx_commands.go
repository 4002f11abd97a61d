package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/brojonat/oreflow/service/config"
	"github.com/brojonat/oreflow/service/flow"
	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/brojonat/oreflow/service/wallet"
	"github.com/urfave/cli/v2"
)

// txOutcome is the result of a local tx run.
type txOutcome struct {
	Template  string `json:"template"`
	Wallet    string `json:"wallet"`
	Status    string `json:"status"`
	MachineID string `json:"machine_id"`
	Attempt   uint64 `json:"attempt"`
	Signature string `json:"signature,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Resource  string `json:"resource"`
	Refreshed any    `json:"refreshed,omitempty"`
}

func txRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Assemble, sign and submit a transaction with a local keypair",
		ArgsUsage: "TEMPLATE",
		Description: `Runs one transaction end to end without the server: the transaction is
assembled against the ledger, signed with the keypair, submitted and confirmed.
After confirmation the dependent snapshot (SOL balance, escrow or ORE balance)
is re-fetched once the settle delay has passed and printed.

Templates: top_up, open_account, stake

Example:
  oreflow tx run stake --amount 100000000000 --keypair ~/.config/solana/id.json`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC endpoint (may be repeated; one is chosen at random)",
				EnvVars: []string{"SOLANA_RPC_URLS"},
			},
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Path to a Solana keypair file",
				EnvVars: []string{"KEYPAIR_PATH"},
			},
			&cli.StringFlag{
				Name:    "program-id",
				Usage:   "Relayer program address",
				EnvVars: []string{"PROGRAM_ID"},
				Value:   config.DefaultProgramID,
			},
			&cli.StringFlag{
				Name:    "mint",
				Usage:   "ORE mint address",
				EnvVars: []string{"ORE_MINT_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "fee-collector",
				Usage:   "Protocol fee collector address",
				EnvVars: []string{"FEE_COLLECTOR_ADDRESS"},
			},
			&cli.Uint64Flag{
				Name:    "amount",
				Aliases: []string{"a"},
				Usage:   "Primary amount in base units (top_up and open_account default to 0.05 SOL)",
			},
			&cli.Int64Flag{
				Name:    "priority-fee",
				Usage:   "Compute unit price in micro-lamports",
				EnvVars: []string{"PRIORITY_FEE_MICROLAMPORTS"},
			},
			&cli.DurationFlag{
				Name:    "settle-delay",
				Usage:   "Delay before re-fetching the dependent snapshot",
				EnvVars: []string{"SETTLE_DELAY"},
				Value:   time.Second,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Overall timeout",
				Value:   2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("template is required (top_up, open_account, stake)")
			}
			template, err := txbuild.ParseTemplate(c.Args().First())
			if err != nil {
				return err
			}
			if c.String("keypair") == "" {
				return fmt.Errorf("keypair is required (set KEYPAIR_PATH env var or use --keypair)")
			}
			if c.Duration("settle-delay") < 0 {
				return fmt.Errorf("settle-delay must not be negative")
			}

			cfg := &config.Config{
				ProgramID:           c.String("program-id"),
				OREMintAddress:      c.String("mint"),
				FeeCollectorAddress: c.String("fee-collector"),
			}
			program, err := cfg.Program()
			if err != nil {
				return err
			}

			rpcURL, err := gateway.SelectRandomEndpoint(c.StringSlice("rpc-url"))
			if err != nil {
				return fmt.Errorf("%w (set SOLANA_RPC_URLS env var or use --rpc-url)", err)
			}

			signer, err := wallet.LoadKeypairSigner(c.String("keypair"))
			if err != nil {
				return err
			}

			amount := c.Uint64("amount")
			if template.FundsEscrow() && amount == 0 {
				amount = config.DefaultTopUpAmount
			}

			logger := cliLogger()
			ledger := gateway.NewClient(gateway.NewRPCClient(rpcURL), program, gateway.Options{}, gateway.EndpointLabel(rpcURL), nil, logger)

			adapter := wallet.NewAdapter(logger)
			adapter.Connect(signer)
			session := flow.NewSession(ledger, program, adapter, txbuild.NewFeeSetting(c.Int64("priority-fee")), c.Duration("settle-delay"), nil, logger)

			jsonOutput := c.Bool("json")
			var hooks []signature.Hook
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Running %s for %s via %s\n", template, signer.PublicKey(), gateway.EndpointLabel(rpcURL))
				hooks = append(hooks, printTransition)
			}

			ctx, cancel := withInterrupt(c.Context)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration("timeout"))
			defer cancelTimeout()

			outcome, err := runTransaction(ctx, session, template, amount, hooks...)
			if err != nil {
				return err
			}

			if jsonOutput {
				return outputJSON(outcome)
			}
			printOutcome(outcome)
			if outcome.Status != "done" {
				return fmt.Errorf("transaction %s", outcome.Status)
			}
			return nil
		},
	}
}

// runTransaction signs one transaction for template and, when it is
// confirmed, waits for the refreshed dependent snapshot.
func runTransaction(ctx context.Context, session *flow.Session, template txbuild.Template, amount uint64, hooks ...signature.Hook) (*txOutcome, error) {
	f := session.NewFlow(template, amount, hooks...)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	select {
	case <-f.Ready():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	session.RefreshAll(ctx)

	var (
		status    signature.Status
		refreshed any
		err       error
	)
	switch flow.DependentResource(template) {
	case flow.ResourceSOLBalance:
		status, refreshed, err = signAndRefresh(ctx, f, session.SOLBalance)
	case flow.ResourceEscrow:
		status, refreshed, err = signAndRefresh(ctx, f, session.Escrow)
	default:
		status, refreshed, err = signAndRefresh(ctx, f, session.OREBalance)
	}
	if err != nil && status == nil {
		return nil, err
	}

	owner, _ := session.Wallet.Identity()
	outcome := &txOutcome{
		Template:  template.String(),
		Wallet:    owner.String(),
		Status:    status.Kind(),
		MachineID: f.Machine().ID(),
		Attempt:   f.Machine().Attempt(),
		Resource:  flow.DependentResource(template),
		Refreshed: refreshed,
	}
	switch s := status.(type) {
	case signature.Done:
		outcome.Signature = s.ID.String()
	case signature.Failed:
		outcome.ErrorKind = gateway.KindOf(s.Err).String()
		outcome.Error = s.Err.Error()
	}
	if err != nil {
		// the transaction may have landed; only the refresh is missing
		outcome.Error = err.Error()
	}
	return outcome, nil
}

// signAndRefresh signs through f and, on success, returns the first snapshot
// of dependent fetched after the signature confirmed. A nil status means
// nothing was signed.
func signAndRefresh[T any](ctx context.Context, f *flow.Flow, dependent *resource.Resource[T]) (signature.Status, any, error) {
	if _, err := dependent.Wait(ctx); err != nil {
		return nil, nil, err
	}
	snapshots, unsubscribe := dependent.Subscribe()
	defer unsubscribe()
	before := dependent.Generation()

	status, err := f.Sign(ctx)
	if err != nil {
		if errors.Is(err, flow.ErrNotAssembled) {
			return nil, nil, fmt.Errorf("failed to assemble %s: %w", f.Template(), err)
		}
		return nil, nil, err
	}
	if _, ok := status.(signature.Done); !ok {
		return status, nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			return status, nil, fmt.Errorf("waiting for %s refresh: %w", dependent.Name(), ctx.Err())
		case snap, ok := <-snapshots:
			if !ok {
				return status, nil, fmt.Errorf("%s closed before refresh", dependent.Name())
			}
			if snap.Generation <= before {
				continue
			}
			if snap.Err != nil {
				return status, nil, fmt.Errorf("refresh %s: %w", dependent.Name(), snap.Err)
			}
			return status, snap.Value, nil
		}
	}
}

func printTransition(ctx context.Context, t signature.Transition) {
	fmt.Fprintf(os.Stderr, "  %s -> %s (attempt %d)\n", t.From.Kind(), t.To.Kind(), t.Attempt)
}

func printOutcome(o *txOutcome) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Template:   %s\n", o.Template)
	fmt.Printf("Wallet:     %s\n", o.Wallet)
	fmt.Printf("Status:     %s (attempt %d)\n", o.Status, o.Attempt)
	if o.Signature != "" {
		fmt.Printf("Signature:  %s\n", o.Signature)
	}
	if o.ErrorKind != "" {
		fmt.Printf("Error Kind: %s\n", o.ErrorKind)
	}
	if o.Error != "" {
		fmt.Printf("Error:      %s\n", o.Error)
	}
	switch v := o.Refreshed.(type) {
	case gateway.Balance:
		fmt.Printf("%-11s %s (%d raw)\n", o.Resource+":", v.Display, v.Raw)
	case gateway.EscrowAccount:
		fmt.Printf("%-11s %s deposited=%d lamports=%d\n", o.Resource+":", v.Address, v.TotalDeposited, v.Lamports)
	}
}

func txStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a custodial transaction workflow on the server",
		ArgsUsage: "TEMPLATE WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:    "amount",
				Aliases: []string{"a"},
				Usage:   "Primary amount in base units (top_up uses the server default when 0)",
			},
			&cli.Int64Flag{
				Name:  "priority-fee",
				Usage: "Compute unit price in micro-lamports (server default when unset)",
			},
			&cli.DurationFlag{
				Name:  "settle-delay",
				Usage: "Delay before the dependent refresh (server default when unset)",
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Wait for the workflow result",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "How long to wait with --wait",
				Value:   5 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("template and wallet address are required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			req := client.TransactionRequest{
				AssembleRequest: client.AssembleRequest{
					Template: c.Args().Get(0),
					Wallet:   c.Args().Get(1),
					Amount:   c.Uint64("amount"),
				},
				SettleDelay: c.Duration("settle-delay"),
			}
			if c.IsSet("priority-fee") {
				fee := c.Int64("priority-fee")
				req.PriorityFee = &fee
			}

			workflowID, err := cl.StartTransaction(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start transaction: %w", err)
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(map[string]string{"workflow_id": workflowID})
				}
				fmt.Printf("Started workflow: %s\n", workflowID)
				return nil
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Started workflow %s, waiting for result...\n", workflowID)
			}
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			result, err := cl.GetTransaction(ctx, workflowID)
			if err != nil {
				return fmt.Errorf("failed to get transaction result: %w", err)
			}
			return printTransactionResult(c, workflowID, result)
		},
	}
}

func txGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Wait for and show a workflow's result",
		ArgsUsage: "WORKFLOW_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("workflow id is required")
			}
			cl, err := getClient(c)
			if err != nil {
				return err
			}

			result, err := cl.GetTransaction(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("workflow %s not found", c.Args().First())
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction result: %w", err)
			}
			return printTransactionResult(c, c.Args().First(), result)
		},
	}
}

func printTransactionResult(c *cli.Context, workflowID string, r *client.TransactionResult) error {
	if c.Bool("json") {
		return outputJSON(r)
	}

	fmt.Printf("Workflow:   %s\n", workflowID)
	fmt.Printf("Template:   %s\n", r.Template)
	fmt.Printf("Wallet:     %s\n", r.Wallet)
	fmt.Printf("Status:     %s\n", r.Status)
	if r.Signature != "" {
		fmt.Printf("Signature:  %s\n", r.Signature)
	}
	if r.Error != nil {
		fmt.Printf("Error:      %s (%s)\n", *r.Error, r.ErrorKind)
	}
	if len(r.Refreshed) > 0 {
		fmt.Printf("Refreshed:  %s\n", string(r.Refreshed))
	}
	if r.RefreshErr != nil {
		fmt.Printf("Refresh:    %s\n", *r.RefreshErr)
	}
	if r.Status != "done" {
		return fmt.Errorf("transaction %s", r.Status)
	}
	return nil
}
