package txbuild

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// IdentitySource reports the connected wallet, if any.
type IdentitySource interface {
	Identity() (solana.PublicKey, bool)
}

// BlockReferenceSource fetches a recent block reference.
type BlockReferenceSource interface {
	GetRecentBlockReference(ctx context.Context) (gateway.BlockReference, error)
}

// Request describes one assembly.
type Request struct {
	Template    Template
	Amount      uint64
	PriorityFee PriorityFee
}

// Assembler turns a Request into an UnsignedTransaction bound to a fresh
// block reference.
type Assembler struct {
	wallet  IdentitySource
	blocks  BlockReferenceSource
	program ore.Program
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewAssembler creates an assembler. If metrics is nil, no metrics will be
// recorded.
func NewAssembler(wallet IdentitySource, blocks BlockReferenceSource, program ore.Program, m *metrics.Metrics, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		wallet:  wallet,
		blocks:  blocks,
		program: program,
		logger:  logger,
		metrics: m,
	}
}

// Assemble builds the transaction for req. A disconnected wallet fails with
// gateway.ErrWalletAdapterDisconnected before any network call; block
// reference failures are returned unchanged.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*UnsignedTransaction, error) {
	payer, ok := a.wallet.Identity()
	if !ok {
		a.record(req.Template, "disconnected")
		return nil, gateway.NewError(gateway.KindWalletAdapterDisconnected, "assemble", nil)
	}

	ixs, err := Build(req.Template, Params{
		Payer:       payer,
		Amount:      req.Amount,
		PriorityFee: req.PriorityFee,
		Program:     a.program,
	})
	if err != nil {
		a.record(req.Template, "invalid")
		return nil, fmt.Errorf("failed to build %s instructions: %w", req.Template, err)
	}

	ref, err := a.blocks.GetRecentBlockReference(ctx)
	if err != nil {
		a.record(req.Template, "error")
		a.logger.WarnContext(ctx, "assembly failed",
			"template", req.Template.String(),
			"wallet", payer.String(),
			"error", err,
		)
		return nil, err
	}

	utx, err := bind(req, payer, ixs, ref, time.Now().UTC())
	if err != nil {
		a.record(req.Template, "invalid")
		return nil, err
	}

	a.record(req.Template, "success")
	a.logger.DebugContext(ctx, "transaction assembled",
		"template", req.Template.String(),
		"wallet", payer.String(),
		"instructions", len(ixs),
		"blockhash", ref.Blockhash.String(),
	)

	return utx, nil
}

// Bind rebuilds the transaction for req against a block reference obtained
// earlier, as when an assembly is handed across a process boundary. The
// result is identical to the one Assemble produced for the same inputs.
func Bind(req Request, payer solana.PublicKey, program ore.Program, ref gateway.BlockReference, assembledAt time.Time) (*UnsignedTransaction, error) {
	ixs, err := Build(req.Template, Params{
		Payer:       payer,
		Amount:      req.Amount,
		PriorityFee: req.PriorityFee,
		Program:     program,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s instructions: %w", req.Template, err)
	}
	return bind(req, payer, ixs, ref, assembledAt)
}

func bind(req Request, payer solana.PublicKey, ixs []solana.Instruction, ref gateway.BlockReference, assembledAt time.Time) (*UnsignedTransaction, error) {
	utx := &UnsignedTransaction{
		template:     req.Template,
		payer:        payer,
		amount:       req.Amount,
		fee:          req.PriorityFee,
		instructions: ixs,
		block:        ref,
		assembledAt:  assembledAt,
	}

	// validate now so signing never sees a malformed message
	if _, err := utx.Transaction(); err != nil {
		return nil, fmt.Errorf("failed to compile %s transaction: %w", req.Template, err)
	}
	return utx, nil
}

func (a *Assembler) record(template Template, status string) {
	if a.metrics != nil {
		a.metrics.RecordAssembly(template.String(), status)
	}
}

// UnsignedTransaction is an assembled, not yet signed transaction. It is
// immutable; accessors return copies.
type UnsignedTransaction struct {
	template     Template
	payer        solana.PublicKey
	amount       uint64
	fee          PriorityFee
	instructions []solana.Instruction
	block        gateway.BlockReference
	assembledAt  time.Time
}

func (u *UnsignedTransaction) Template() Template                     { return u.template }
func (u *UnsignedTransaction) Payer() solana.PublicKey                { return u.payer }
func (u *UnsignedTransaction) Amount() uint64                         { return u.amount }
func (u *UnsignedTransaction) PriorityFee() PriorityFee               { return u.fee }
func (u *UnsignedTransaction) BlockReference() gateway.BlockReference { return u.block }
func (u *UnsignedTransaction) AssembledAt() time.Time                 { return u.assembledAt }

// Instructions returns a copy of the ordered instruction list.
func (u *UnsignedTransaction) Instructions() []solana.Instruction {
	out := make([]solana.Instruction, len(u.instructions))
	copy(out, u.instructions)
	return out
}

// Transaction compiles a fresh transaction message. Each call returns a new
// value, so signing one never affects another.
func (u *UnsignedTransaction) Transaction() (*solana.Transaction, error) {
	return solana.NewTransaction(u.instructions, u.block.Blockhash, solana.TransactionPayer(u.payer))
}

// Expired reports whether the chain has moved past the block reference's
// validity window.
func (u *UnsignedTransaction) Expired(currentBlockHeight uint64) bool {
	return u.block.LastValidBlockHeight > 0 && currentBlockHeight > u.block.LastValidBlockHeight
}

// Encode returns the base64 wire form for an external wallet to sign.
func (u *UnsignedTransaction) Encode() (string, error) {
	tx, err := u.Transaction()
	if err != nil {
		return "", err
	}
	// wallets expect one empty slot per required signer
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return EncodeTransaction(tx)
}

// EncodeTransaction serializes tx to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
