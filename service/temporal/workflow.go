package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/oreflow/service/flow"
	"github.com/brojonat/oreflow/service/txbuild"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultSettleDelay is used when the input leaves SettleDelay zero.
const DefaultSettleDelay = time.Second

// TransactionInput starts one transaction interaction for the custodial
// wallet.
type TransactionInput struct {
	Template    string        `json:"template"`
	Wallet      string        `json:"wallet"`
	Amount      uint64        `json:"amount"`
	PriorityFee uint64        `json:"priority_fee"`
	SettleDelay time.Duration `json:"settle_delay"`
}

// TransactionResult is the outcome of TransactionWorkflow.
type TransactionResult struct {
	Template    string         `json:"template"`
	Wallet      string         `json:"wallet"`
	Status      string         `json:"status"` // "done" or "failed"
	MachineID   string         `json:"machine_id,omitempty"`
	Attempt     uint64         `json:"attempt,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Refreshed   *RefreshResult `json:"refreshed,omitempty"`
	RefreshErr  *string        `json:"refresh_error,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// TransactionWorkflow runs the pipeline server-side, strictly in order:
// assemble, sign and submit, wait the settle delay, refresh the dependent
// resource. Nothing is retried automatically; a failed ledger submission is
// only ever repeated by starting a new workflow.
func TransactionWorkflow(ctx workflow.Context, input TransactionInput) (*TransactionResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TransactionWorkflow started",
		"template", input.Template,
		"wallet", input.Wallet,
		"amount", input.Amount,
	)

	result := &TransactionResult{
		Template: input.Template,
		Wallet:   input.Wallet,
	}
	fail := func(step string, err error) (*TransactionResult, error) {
		msg := fmt.Sprintf("%s failed: %v", step, err)
		result.Status = "failed"
		result.ErrorKind = ErrorKind(err)
		result.Error = &msg
		result.CompletedAt = workflow.Now(ctx)
		logger.Error("TransactionWorkflow failed", "step", step, "error_kind", result.ErrorKind, "error", err)
		// the kind must stay the outermost application error type
		return result, temporalsdk.NewNonRetryableApplicationError(msg, result.ErrorKind, err)
	}

	template, err := txbuild.ParseTemplate(input.Template)
	if err != nil {
		return fail("validate", invalidInput(err))
	}

	// Configure activity options
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	// Step 1: Assemble
	var assembled *AssembledTransaction
	err = workflow.ExecuteActivity(ctx, a.AssembleTransaction, AssembleInput{
		Template:    input.Template,
		Wallet:      input.Wallet,
		Amount:      input.Amount,
		PriorityFee: input.PriorityFee,
	}).Get(ctx, &assembled)
	if err != nil {
		return fail("assemble", err)
	}
	result.Wallet = assembled.Wallet

	// Step 2: Sign and submit
	var submitted *SignAndSubmitResult
	err = workflow.ExecuteActivity(ctx, a.SignAndSubmit, *assembled).Get(ctx, &submitted)
	if err != nil {
		return fail("sign_and_submit", err)
	}
	result.Status = "done"
	result.MachineID = submitted.MachineID
	result.Attempt = submitted.Attempt
	result.Signature = submitted.Signature

	logger.Info("transaction landed",
		"template", input.Template,
		"signature", submitted.Signature,
	)

	// Step 3: Let the ledger settle before reading dependent state
	settle := input.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if err := workflow.Sleep(ctx, settle); err != nil {
		return fail("settle", err)
	}

	// Step 4: Refresh the dependent resource. The transaction already landed,
	// so a failed refresh is reported but does not fail the workflow.
	var refreshed *RefreshResult
	err = workflow.ExecuteActivity(ctx, a.RefreshResource, RefreshInput{
		Resource: flow.DependentResource(template),
		Wallet:   assembled.Wallet,
	}).Get(ctx, &refreshed)
	if err != nil {
		msg := err.Error()
		result.RefreshErr = &msg
		logger.Warn("dependent refresh failed", "error", err)
	} else {
		result.Refreshed = refreshed
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("TransactionWorkflow completed",
		"template", input.Template,
		"signature", result.Signature,
	)

	return result, nil
}
