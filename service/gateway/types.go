package gateway

import (
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// BlockReference binds a transaction to a recent ledger checkpoint. A
// transaction carrying it is rejected once the chain passes
// LastValidBlockHeight.
type BlockReference struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// Balance is a read-only token amount snapshot.
type Balance struct {
	Owner    string `json:"owner"`
	Account  string `json:"account"`
	Raw      uint64 `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Display  string `json:"display"` // decimal formatted with Decimals places
}

// NewBalance builds a Balance and its display string.
func NewBalance(owner, account solana.PublicKey, raw uint64, decimals uint8) Balance {
	return Balance{
		Owner:    owner.String(),
		Account:  account.String(),
		Raw:      raw,
		Decimals: decimals,
		Display:  FormatAmount(raw, decimals),
	}
}

// FormatAmount renders raw base units as a fixed-point decimal string.
func FormatAmount(raw uint64, decimals uint8) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
	return d.StringFixed(int32(decimals))
}

// EscrowAccount is a decoded snapshot of the program-owned escrow account.
type EscrowAccount struct {
	Address        string    `json:"address"`
	Authority      string    `json:"authority"`
	Lamports       uint64    `json:"lamports"`
	TotalDeposited uint64    `json:"total_deposited"`
	LastFundedAt   time.Time `json:"last_funded_at"`
}
