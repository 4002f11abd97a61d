// Package ore holds the deployment constants and address derivations shared by
// the gateway and the transaction builder.
package ore

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// TokenDecimals is the ORE mint's decimal precision.
const TokenDecimals uint8 = 11

// EscrowSeed prefixes the escrow PDA seeds.
var EscrowSeed = []byte("escrow")

// Program identifies the on-chain relayer program and the token it stakes.
type Program struct {
	ID           solana.PublicKey
	Mint         solana.PublicKey
	FeeCollector solana.PublicKey
}

// Validate reports zero-valued addresses.
func (p Program) Validate() error {
	if p.ID.IsZero() {
		return fmt.Errorf("program id is required")
	}
	if p.Mint.IsZero() {
		return fmt.Errorf("mint address is required")
	}
	if p.FeeCollector.IsZero() {
		return fmt.Errorf("fee collector address is required")
	}
	return nil
}

// EscrowAddress derives the escrow PDA that holds funds on behalf of owner.
func (p Program) EscrowAddress(owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{EscrowSeed, owner.Bytes()}, p.ID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive escrow address: %w", err)
	}
	return addr, nil
}

// TokenAccountAddress derives the owner's associated token account for the
// program's mint.
func (p Program) TokenAccountAddress(owner solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, p.Mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account address: %w", err)
	}
	return ata, nil
}
