// Package flow ties the wallet, the gateway and the shared snapshots together
// into one reactive session, and runs each transaction template inside it.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/refresh"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/brojonat/oreflow/service/wallet"
	"github.com/gagliardetto/solana-go"
)

// Resource names, also used as metric labels.
const (
	ResourceOREBalance = "ore_balance"
	ResourceSOLBalance = "sol_balance"
	ResourceEscrow     = "escrow"
	resourceAssembly   = "assembly"
)

// Gateway is the ledger surface a session needs. *gateway.Client satisfies it.
type Gateway interface {
	GetRecentBlockReference(ctx context.Context) (gateway.BlockReference, error)
	GetBalance(ctx context.Context, owner solana.PublicKey) (gateway.Balance, error)
	GetSOLBalance(ctx context.Context, owner solana.PublicKey) (gateway.Balance, error)
	GetEscrow(ctx context.Context, owner solana.PublicKey) (gateway.EscrowAccount, error)
	Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (solana.Signature, error)
}

// Session is the shared state of one connected user.
type Session struct {
	Wallet *wallet.Adapter
	Fee    *txbuild.FeeSetting

	OREBalance *resource.Resource[gateway.Balance]
	SOLBalance *resource.Resource[gateway.Balance]
	Escrow     *resource.Resource[gateway.EscrowAccount]

	gateway     Gateway
	assembler   *txbuild.Assembler
	settleDelay time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewSession wires the shared snapshots to the gateway. Nothing is fetched
// until Run (or an explicit Restart).
func NewSession(gw Gateway, program ore.Program, adapter *wallet.Adapter, fee *txbuild.FeeSetting, settleDelay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		Wallet:      adapter,
		Fee:         fee,
		gateway:     gw,
		assembler:   txbuild.NewAssembler(adapter, gw, program, m, logger),
		settleDelay: settleDelay,
		logger:      logger,
		metrics:     m,
	}

	s.OREBalance = resource.New(ResourceOREBalance, ownerFetch(adapter, gw.GetBalance), m, logger)
	s.SOLBalance = resource.New(ResourceSOLBalance, ownerFetch(adapter, gw.GetSOLBalance), m, logger)
	s.Escrow = resource.New(ResourceEscrow, ownerFetch(adapter, gw.GetEscrow), m, logger)

	return s
}

// ownerFetch reads the wallet identity at fetch time, so a fetch started
// before a reconnect cannot mix identities.
func ownerFetch[T any](adapter *wallet.Adapter, get func(context.Context, solana.PublicKey) (T, error)) resource.FetchFunc[T] {
	return func(ctx context.Context) (T, error) {
		owner, ok := adapter.Identity()
		if !ok {
			var zero T
			return zero, gateway.NewError(gateway.KindWalletAdapterDisconnected, "fetch", nil)
		}
		return get(ctx, owner)
	}
}

// RefreshAll restarts every shared snapshot.
func (s *Session) RefreshAll(ctx context.Context) {
	s.OREBalance.Restart(ctx)
	s.SOLBalance.Restart(ctx)
	s.Escrow.Restart(ctx)
}

// Run fetches the shared snapshots and re-fetches them whenever the wallet
// changes. It blocks until ctx is done.
func (s *Session) Run(ctx context.Context) {
	changes, cancel := s.Wallet.Subscribe()
	defer cancel()

	s.RefreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			s.logger.DebugContext(ctx, "wallet changed, refreshing snapshots", "generation", change.Generation)
			s.RefreshAll(ctx)
		}
	}
}

// DependentResource names the snapshot a template's success invalidates.
func DependentResource(template txbuild.Template) string {
	switch template {
	case txbuild.TopUp:
		return ResourceSOLBalance
	case txbuild.OpenAccount:
		return ResourceEscrow
	default:
		return ResourceOREBalance
	}
}

func (s *Session) dependent(template txbuild.Template) refresh.Target {
	switch DependentResource(template) {
	case ResourceSOLBalance:
		return s.SOLBalance
	case ResourceEscrow:
		return s.Escrow
	default:
		return s.OREBalance
	}
}
