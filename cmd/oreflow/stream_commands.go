package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brojonat/oreflow/client"
	natspkg "github.com/brojonat/oreflow/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream a wallet's signature status changes via SSE (HTTP)",
		ArgsUsage: "WALLET_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.BoolFlag{
				Name:  "until-terminal",
				Usage: "Exit after the first matching done or failed event",
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

			wallet := c.Args().First()
			jsonOutput := c.Bool("json")
			untilTerminal := c.Bool("until-terminal")

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming status for wallet: %s\n", wallet)
				fmt.Fprintf(os.Stderr, "Waiting for events... (Ctrl+C to stop)\n\n")
			}

			ctx, cancel := withInterrupt(c.Context)
			defer cancel()

			var last *client.StatusEvent
			err = cl.StreamStatus(ctx, wallet, func(event *client.StatusEvent) bool {
				if !matchesAll(filters, event) {
					return true
				}
				if jsonOutput {
					data, _ := json.Marshal(event)
					fmt.Println(string(data))
				} else {
					printStatusEvent(event.At, event.Template, event.Attempt, event.Status, event.Signature, event.ErrorKind, event.Error)
				}
				last = event
				return !(untilTerminal && event.Terminal())
			})
			if errors.Is(err, context.Canceled) {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "\nDisconnected\n")
				}
				return nil
			}
			if err != nil {
				return err
			}
			if last != nil && last.Status == "failed" && untilTerminal {
				return fmt.Errorf("attempt %d failed: %s", last.Attempt, last.ErrorKind)
			}
			return nil
		},
	}
}

func printStatusEvent(at time.Time, template string, attempt uint64, status, signature, errorKind, errMsg string) {
	fmt.Printf("%s  %-12s #%-3d %-8s", at.Format(time.RFC3339), template, attempt, status)
	switch {
	case signature != "":
		fmt.Printf(" %s", signature)
	case errorKind != "":
		fmt.Printf(" %s: %s", errorKind, errMsg)
	}
	fmt.Println()
}

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to status events for a wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Description: `Subscribe to status events published to NATS JetStream.

Events are published to the subject: txstatus.{wallet_address}

Example:
  oreflow nats subscribe 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Replay retained events instead of only new ones",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}

			wallet := c.Args().First()
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			nc, js, err := natspkg.Connect(natsURL, "oreflow-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := natspkg.Subject(wallet)
			if !jsonOutput {
				fmt.Printf("📡 Subscribing to: %s\n", subject)
				fmt.Printf("   NATS: %s\n", natsURL)
				fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
			}

			deliver := jetstream.DeliverNewPolicy
			if c.Bool("all") {
				deliver = jetstream.DeliverAllPolicy
			}

			ctx, cancel := withInterrupt(c.Context)
			defer cancel()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: deliver,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			msgChan := make(chan jetstream.Msg, 10)
			consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
				msgChan <- msg
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer consumeCtx.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					var event natspkg.StatusEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						msg.Ack()
						continue
					}
					count++

					if jsonOutput {
						fmt.Println(string(msg.Data()))
					} else {
						printStatusEvent(event.At, event.Template, event.Attempt, event.Status, event.Signature, event.ErrorKind, event.Error)
					}
					msg.Ack()

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Printf("\n✅ Received %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TX_STATUS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, js, err := natspkg.Connect(c.String("nats-url"), "oreflow-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}
			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
