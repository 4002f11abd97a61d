package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/oreflow/service/flow"
	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/brojonat/oreflow/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
)

// AssembleInput contains parameters for the AssembleTransaction activity.
type AssembleInput struct {
	Template    string `json:"template"`
	Wallet      string `json:"wallet"`
	Amount      uint64 `json:"amount"`
	PriorityFee uint64 `json:"priority_fee"`
}

// AssembledTransaction is an unsigned transaction in a form that survives
// workflow history.
type AssembledTransaction struct {
	Template             string    `json:"template"`
	Wallet               string    `json:"wallet"`
	Amount               uint64    `json:"amount"`
	PriorityFee          uint64    `json:"priority_fee"`
	Blockhash            string    `json:"blockhash"`
	LastValidBlockHeight uint64    `json:"last_valid_block_height"`
	AssembledAt          time.Time `json:"assembled_at"`
	Instructions         int       `json:"instructions"`
	Transaction          string    `json:"transaction"` // base64, unsigned
}

// SignAndSubmitResult contains the result of the SignAndSubmit activity.
type SignAndSubmitResult struct {
	MachineID string `json:"machine_id"`
	Attempt   uint64 `json:"attempt"`
	Signature string `json:"signature"`
}

// RefreshInput contains parameters for the RefreshResource activity.
type RefreshInput struct {
	Resource string `json:"resource"`
	Wallet   string `json:"wallet"`
}

// RefreshResult is the snapshot fetched after the settle delay.
type RefreshResult struct {
	Resource  string                 `json:"resource"`
	Balance   *gateway.Balance       `json:"balance,omitempty"`
	Escrow    *gateway.EscrowAccount `json:"escrow,omitempty"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// signerIdentity reports the custodial signer as the connected wallet.
type signerIdentity struct {
	signer wallet.Signer
}

func (s signerIdentity) Identity() (solanago.PublicKey, bool) {
	if s.signer == nil {
		return solanago.PublicKey{}, false
	}
	return s.signer.PublicKey(), true
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	ledger    flow.Gateway
	signer    wallet.Signer
	program   ore.Program
	assembler *txbuild.Assembler
	hooks     []signature.Hook
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// Hooks observe every signature transition (status stream, attempt history).
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	ledger flow.Gateway,
	signer wallet.Signer,
	program ore.Program,
	m *metrics.Metrics,
	logger *slog.Logger,
	hooks ...signature.Hook,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		ledger:    ledger,
		signer:    signer,
		program:   program,
		assembler: txbuild.NewAssembler(signerIdentity{signer: signer}, ledger, program, m, logger),
		hooks:     hooks,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
}

// checkWallet rejects requests for any wallet other than the custodial one.
func (a *Activities) checkWallet(op, wallet string) error {
	key, ok := signerIdentity{signer: a.signer}.Identity()
	if !ok {
		return gateway.NewError(gateway.KindWalletAdapterDisconnected, op, nil)
	}
	if wallet != "" && wallet != key.String() {
		return gateway.NewError(gateway.KindWalletAdapterDisconnected, op,
			fmt.Errorf("custodial signer is %s, not %s", key, wallet))
	}
	return nil
}

// AssembleTransaction builds the template's transaction for the custodial
// wallet and binds it to a fresh block reference.
func (a *Activities) AssembleTransaction(ctx context.Context, input AssembleInput) (result *AssembledTransaction, err error) {
	start := time.Now()
	defer func() { a.observe("AssembleTransaction", start, err) }()

	template, err := txbuild.ParseTemplate(input.Template)
	if err != nil {
		return nil, invalidInput(err)
	}
	if err := a.checkWallet("assemble", input.Wallet); err != nil {
		return nil, nonRetryable(err)
	}
	fee, err := txbuild.NewPriorityFee(int64(input.PriorityFee))
	if err != nil {
		return nil, invalidInput(err)
	}

	utx, err := a.assembler.Assemble(ctx, txbuild.Request{
		Template:    template,
		Amount:      input.Amount,
		PriorityFee: fee,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to assemble transaction",
			"template", input.Template,
			"error", err,
		)
		return nil, nonRetryable(err)
	}

	encoded, err := utx.Encode()
	if err != nil {
		return nil, invalidInput(err)
	}

	ref := utx.BlockReference()
	result = &AssembledTransaction{
		Template:             template.String(),
		Wallet:               utx.Payer().String(),
		Amount:               utx.Amount(),
		PriorityFee:          utx.PriorityFee().MicroLamports(),
		Blockhash:            ref.Blockhash.String(),
		LastValidBlockHeight: ref.LastValidBlockHeight,
		AssembledAt:          utx.AssembledAt(),
		Instructions:         len(utx.Instructions()),
		Transaction:          encoded,
	}

	a.logger.InfoContext(ctx, "assembled transaction",
		"template", result.Template,
		"wallet", result.Wallet,
		"blockhash", result.Blockhash,
		"instructions", result.Instructions,
	)

	return result, nil
}

// SignAndSubmit runs one signature attempt on the assembled transaction. The
// attempt is never retried; a failure ends the workflow.
func (a *Activities) SignAndSubmit(ctx context.Context, input AssembledTransaction) (result *SignAndSubmitResult, err error) {
	start := time.Now()
	defer func() { a.observe("SignAndSubmit", start, err) }()

	utx, err := a.rebind(input)
	if err != nil {
		return nil, invalidInput(err)
	}
	if err := a.checkWallet("sign_transaction", input.Wallet); err != nil {
		return nil, nonRetryable(err)
	}

	machine := signature.NewMachine(input.Template, a.signer, a.ledger, a.metrics, a.logger, a.hooks...)
	status, err := machine.Invoke(ctx, utx)
	if err != nil {
		return nil, nonRetryable(err)
	}

	switch s := status.(type) {
	case signature.Done:
		return &SignAndSubmitResult{
			MachineID: machine.ID(),
			Attempt:   machine.Attempt(),
			Signature: s.ID.String(),
		}, nil
	case signature.Failed:
		return nil, nonRetryable(s.Err)
	default:
		return nil, nonRetryable(fmt.Errorf("attempt ended in %s", status.Kind()))
	}
}

func (a *Activities) rebind(input AssembledTransaction) (*txbuild.UnsignedTransaction, error) {
	template, err := txbuild.ParseTemplate(input.Template)
	if err != nil {
		return nil, err
	}
	payer, err := solanago.PublicKeyFromBase58(input.Wallet)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	blockhash, err := solanago.HashFromBase58(input.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash: %w", err)
	}
	if input.PriorityFee > uint64(txbuild.MaxPriorityFee) {
		return nil, fmt.Errorf("invalid priority fee: %d exceeds %d", input.PriorityFee, txbuild.MaxPriorityFee)
	}
	return txbuild.Bind(
		txbuild.Request{
			Template:    template,
			Amount:      input.Amount,
			PriorityFee: txbuild.PriorityFee(input.PriorityFee),
		},
		payer,
		a.program,
		gateway.BlockReference{
			Blockhash:            blockhash,
			LastValidBlockHeight: input.LastValidBlockHeight,
		},
		input.AssembledAt,
	)
}

// RefreshResource re-fetches the snapshot a landed transaction invalidated.
func (a *Activities) RefreshResource(ctx context.Context, input RefreshInput) (result *RefreshResult, err error) {
	start := time.Now()
	defer func() {
		a.observe("RefreshResource", start, err)
		if a.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordRefresh(input.Resource, status)
		}
	}()

	owner, err := solanago.PublicKeyFromBase58(input.Wallet)
	if err != nil {
		return nil, invalidInput(fmt.Errorf("invalid wallet address: %w", err))
	}

	result = &RefreshResult{Resource: input.Resource}
	switch input.Resource {
	case flow.ResourceOREBalance:
		balance, err := a.ledger.GetBalance(ctx, owner)
		if err != nil {
			return nil, nonRetryable(err)
		}
		result.Balance = &balance
	case flow.ResourceSOLBalance:
		balance, err := a.ledger.GetSOLBalance(ctx, owner)
		if err != nil {
			return nil, nonRetryable(err)
		}
		result.Balance = &balance
	case flow.ResourceEscrow:
		escrow, err := a.ledger.GetEscrow(ctx, owner)
		if err != nil {
			return nil, nonRetryable(err)
		}
		result.Escrow = &escrow
	default:
		return nil, invalidInput(fmt.Errorf("unknown resource %q", input.Resource))
	}
	result.FetchedAt = time.Now().UTC()

	a.logger.InfoContext(ctx, "refreshed resource",
		"resource", input.Resource,
		"wallet", input.Wallet,
	)

	return result, nil
}
