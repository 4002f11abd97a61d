// Package txbuild composes the instruction lists for each transaction
// template and binds them to a block reference.
package txbuild

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/brojonat/oreflow/service/ore"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ComputeBudgetProgramID is the native compute budget program.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// Compute budget instruction tags.
const (
	computeBudgetSetUnitLimit uint8 = 2
	computeBudgetSetUnitPrice uint8 = 3
)

// Program instruction tags.
const (
	instructionOpenEscrow uint8 = 0
	instructionStake      uint8 = 1
)

// ProtocolFeeDivisor makes the protocol fee 2% of the primary amount.
const ProtocolFeeDivisor = 50

// Template identifies one of the fixed transaction shapes.
type Template int

const (
	TopUp Template = iota
	OpenAccount
	Stake
)

// Templates lists every template in a stable order.
var Templates = []Template{TopUp, OpenAccount, Stake}

func (t Template) String() string {
	switch t {
	case TopUp:
		return "top_up"
	case OpenAccount:
		return "open_account"
	case Stake:
		return "stake"
	default:
		return fmt.Sprintf("template(%d)", int(t))
	}
}

// ParseTemplate accepts the names produced by String, plus the dashed forms
// used on the command line.
func ParseTemplate(s string) (Template, error) {
	switch s {
	case "top_up", "top-up", "topup":
		return TopUp, nil
	case "open_account", "open-account":
		return OpenAccount, nil
	case "stake":
		return Stake, nil
	default:
		return 0, fmt.Errorf("unknown template %q", s)
	}
}

// FundsEscrow reports whether the template transfers SOL into the escrow.
// Those templates share the default funding amount when none is given.
func (t Template) FundsEscrow() bool {
	return t == TopUp || t == OpenAccount
}

// ComputeUnitLimit is the budget requested by the template.
func (t Template) ComputeUnitLimit() uint32 {
	if t == TopUp {
		return 50_000
	}
	return 500_000
}

// Params are the inputs to Build.
type Params struct {
	Payer       solana.PublicKey
	Amount      uint64 // lamports for top-up and open-account, token base units for stake
	PriorityFee PriorityFee
	Program     ore.Program
}

// ProtocolFee is the fee transfer that accompanies a primary transfer:
// amount/50 rounded down.
func ProtocolFee(amount uint64) uint64 {
	return amount / ProtocolFeeDivisor
}

// Build returns the ordered instructions for template. Compute budget
// directives always come first.
func Build(template Template, p Params) ([]solana.Instruction, error) {
	if p.Payer.IsZero() {
		return nil, errors.New("payer is required")
	}
	if err := p.Program.Validate(); err != nil {
		return nil, err
	}
	if p.PriorityFee > MaxPriorityFee {
		return nil, fmt.Errorf("priority fee %d exceeds %d", p.PriorityFee, MaxPriorityFee)
	}

	ixs, err := budgetInstructions(template.ComputeUnitLimit(), p.PriorityFee)
	if err != nil {
		return nil, err
	}

	switch template {
	case TopUp:
		escrow, err := p.Program.EscrowAddress(p.Payer)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, fundingTransfers(p, escrow)...)

	case OpenAccount:
		escrow, err := p.Program.EscrowAddress(p.Payer)
		if err != nil {
			return nil, err
		}
		open, err := OpenEscrowInstruction(p.Program.ID, p.Payer, escrow)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, open)
		ixs = append(ixs, fundingTransfers(p, escrow)...)

	case Stake:
		tokenAccount, err := p.Program.TokenAccountAddress(p.Payer)
		if err != nil {
			return nil, err
		}
		stake, err := StakeInstruction(p.Program, p.Payer, tokenAccount, p.Amount)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, stake)

	default:
		return nil, fmt.Errorf("unknown template %d", int(template))
	}

	return ixs, nil
}

func fundingTransfers(p Params, escrow solana.PublicKey) []solana.Instruction {
	return []solana.Instruction{
		system.NewTransferInstruction(p.Amount, p.Payer, escrow).Build(),
		system.NewTransferInstruction(ProtocolFee(p.Amount), p.Payer, p.Program.FeeCollector).Build(),
	}
}

func budgetInstructions(units uint32, fee PriorityFee) ([]solana.Instruction, error) {
	limit, err := SetComputeUnitLimit(units)
	if err != nil {
		return nil, err
	}
	ixs := []solana.Instruction{limit}
	if fee > 0 {
		price, err := SetComputeUnitPrice(fee.MicroLamports())
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, price)
	}
	return ixs, nil
}

// SetComputeUnitLimit builds the compute budget limit directive.
func SetComputeUnitLimit(units uint32) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(computeBudgetSetUnitLimit); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(units, bin.LE); err != nil {
		return nil, err
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}

// SetComputeUnitPrice builds the compute unit price directive.
func SetComputeUnitPrice(microLamports uint64) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(computeBudgetSetUnitPrice); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(microLamports, bin.LE); err != nil {
		return nil, err
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}

// OpenEscrowInstruction creates the escrow account for signer. The signer is
// both the authority and the rent payer.
func OpenEscrowInstruction(programID, signer, escrow solana.PublicKey) (solana.Instruction, error) {
	accounts := solana.AccountMetaSlice{
		{PublicKey: signer, IsSigner: true, IsWritable: true},
		{PublicKey: signer, IsSigner: false, IsWritable: false}, // authority
		{PublicKey: escrow, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(programID, accounts, []byte{instructionOpenEscrow}), nil
}

// StakeInstruction stakes amount tokens from the signer's token account.
func StakeInstruction(program ore.Program, signer, tokenAccount solana.PublicKey, amount uint64) (solana.Instruction, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint8(instructionStake); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(amount, bin.LE); err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: signer, IsSigner: true, IsWritable: true},
		{PublicKey: tokenAccount, IsSigner: false, IsWritable: true},
		{PublicKey: program.Mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(program.ID, accounts, buf.Bytes()), nil
}

// IsComputeBudget reports whether ix targets the compute budget program.
func IsComputeBudget(ix solana.Instruction) bool {
	return ix.ProgramID().Equals(ComputeBudgetProgramID)
}
