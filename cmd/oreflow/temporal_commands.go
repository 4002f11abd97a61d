package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	commonpb "go.temporal.io/api/common/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/converter"
)

// workflowSummary is one TransactionWorkflow execution.
type workflowSummary struct {
	WorkflowID string     `json:"workflow_id"`
	RunID      string     `json:"run_id"`
	Status     string     `json:"status"`
	Template   string     `json:"template,omitempty"`
	Wallet     string     `json:"wallet,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	CloseTime  *time.Time `json:"close_time,omitempty"`
}

func listWorkflowsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-workflows",
		Usage:   "List transaction workflow executions",
		Aliases: []string{"wf"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by execution status (Running, Completed, Failed, ...)",
			},
			&cli.StringFlag{
				Name:    "wallet",
				Aliases: []string{"w"},
				Usage:   "Filter by wallet address",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of executions",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			query := workflowQuery(c.String("status"))
			resp, err := tc.ListWorkflow(c.Context, &workflowservice.ListWorkflowExecutionsRequest{
				Namespace: c.String("temporal-namespace"),
				PageSize:  int32(c.Int("limit")),
				Query:     query,
			})
			if err != nil {
				return fmt.Errorf("failed to list workflows: %w", err)
			}

			wallet := c.String("wallet")
			summaries := make([]workflowSummary, 0, len(resp.GetExecutions()))
			for _, exec := range resp.GetExecutions() {
				s := workflowSummary{
					WorkflowID: exec.GetExecution().GetWorkflowId(),
					RunID:      exec.GetExecution().GetRunId(),
					Status:     exec.GetStatus().String(),
					Template:   memoString(exec.GetMemo(), "template"),
					Wallet:     memoString(exec.GetMemo(), "wallet"),
					StartTime:  exec.GetStartTime().AsTime(),
				}
				if exec.GetCloseTime() != nil {
					closed := exec.GetCloseTime().AsTime()
					s.CloseTime = &closed
				}
				if wallet != "" && s.Wallet != wallet {
					continue
				}
				summaries = append(summaries, s)
			}

			if c.Bool("json") {
				return outputJSON(summaries)
			}
			if len(summaries) == 0 {
				fmt.Println("No workflows found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW ID\tSTATUS\tTEMPLATE\tWALLET\tSTARTED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.WorkflowID,
					s.Status,
					s.Template,
					s.Wallet,
					s.StartTime.Format(time.RFC3339),
				)
			}
			w.Flush()
			return nil
		},
	}
}

// workflowQuery builds the visibility query for transaction workflows.
func workflowQuery(status string) string {
	query := "WorkflowType='TransactionWorkflow'"
	if status != "" {
		query += fmt.Sprintf(" AND ExecutionStatus='%s'", status)
	}
	return query
}

// memoString decodes a string memo field, or returns "" when absent.
func memoString(memo *commonpb.Memo, key string) string {
	payload, ok := memo.GetFields()[key]
	if !ok {
		return ""
	}
	var s string
	if err := converter.GetDefaultDataConverter().FromPayload(payload, &s); err != nil {
		return ""
	}
	return s
}
