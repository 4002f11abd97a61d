package wallet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/gagliardetto/solana-go"
)

// Adapter is the identity source for every transaction flow. The connection
// itself is established elsewhere; the adapter only records its outcome.
type Adapter struct {
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	signer     Signer
	generation uint64
	feed       resource.Feed[Change]
}

// NewAdapter returns a disconnected adapter.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger,
		state:  Disconnected{},
	}
}

// Connect makes signer the active wallet. Reconnecting the same key is a
// no-op; any other key starts a new generation.
func (a *Adapter) Connect(signer Signer) {
	key := signer.PublicKey()

	a.mu.Lock()
	if current, ok := a.state.(Connected); ok && current.Key.Equals(key) {
		a.signer = signer
		a.mu.Unlock()
		return
	}
	a.state = Connected{Key: key}
	a.signer = signer
	a.generation++
	change := Change{State: a.state, Generation: a.generation}
	a.feed.Publish(change)
	a.mu.Unlock()

	a.logger.Info("wallet connected", "wallet", key.String(), "generation", change.Generation)
}

// Disconnect drops the active signer.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if _, ok := a.state.(Disconnected); ok {
		a.mu.Unlock()
		return
	}
	a.state = Disconnected{}
	a.signer = nil
	a.generation++
	change := Change{State: a.state, Generation: a.generation}
	a.feed.Publish(change)
	a.mu.Unlock()

	a.logger.Info("wallet disconnected", "generation", change.Generation)
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Identity implements the assembler's identity source.
func (a *Adapter) Identity() (solana.PublicKey, bool) {
	return a.State().Identity()
}

// Generation increases on every state change.
func (a *Adapter) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Subscribe delivers every state change in order.
func (a *Adapter) Subscribe() (<-chan Change, func()) {
	return a.feed.Subscribe()
}

// SignTransaction forwards to the connected signer. A disconnected adapter
// fails with gateway.ErrWalletAdapterDisconnected.
func (a *Adapter) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	a.mu.Lock()
	signer := a.signer
	a.mu.Unlock()

	if signer == nil {
		return nil, gateway.NewError(gateway.KindWalletAdapterDisconnected, "sign_transaction", nil)
	}
	return signer.SignTransaction(ctx, tx)
}
