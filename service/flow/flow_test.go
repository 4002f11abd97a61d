package flow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/brojonat/oreflow/service/wallet"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway counts calls per operation.
type fakeGateway struct {
	mu        sync.Mutex
	calls     map[string]int
	blockErr  error
	submitErr error
	sig       solana.Signature
}

func (g *fakeGateway) inc(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[op]++
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) GetRecentBlockReference(ctx context.Context) (gateway.BlockReference, error) {
	g.inc("block")
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blockErr != nil {
		return gateway.BlockReference{}, g.blockErr
	}
	return gateway.BlockReference{Blockhash: solana.Hash{2}, LastValidBlockHeight: 500}, nil
}

func (g *fakeGateway) GetBalance(ctx context.Context, owner solana.PublicKey) (gateway.Balance, error) {
	g.inc("ore")
	return gateway.NewBalance(owner, owner, 100, ore.TokenDecimals), nil
}

func (g *fakeGateway) GetSOLBalance(ctx context.Context, owner solana.PublicKey) (gateway.Balance, error) {
	g.inc("sol")
	return gateway.NewBalance(owner, owner, 1_000_000_000, 9), nil
}

func (g *fakeGateway) GetEscrow(ctx context.Context, owner solana.PublicKey) (gateway.EscrowAccount, error) {
	g.inc("escrow")
	return gateway.EscrowAccount{}, gateway.NewError(gateway.KindAccountNotFound, "get_escrow", nil)
}

func (g *fakeGateway) Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (solana.Signature, error) {
	g.inc("submit")
	if g.submitErr != nil {
		return solana.Signature{}, g.submitErr
	}
	return g.sig, nil
}

func testProgram() ore.Program {
	return ore.Program{
		ID:           solana.MustPublicKeyFromBase58("HS9XYYijv7g39DJ8G7zWB4Sb5ewRvWyeJ4JyMR2V1YYi"),
		Mint:         solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		FeeCollector: solana.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111"),
	}
}

func newTestSession(gw *fakeGateway, settle time.Duration) *Session {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSession(gw, testProgram(), wallet.NewAdapter(logger), txbuild.NewFeeSetting(0), settle, nil, logger)
}

func newSigner(t *testing.T) *wallet.KeypairSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return wallet.NewKeypairSigner(key)
}

type kinds struct {
	mu  sync.Mutex
	out []string
}

func (k *kinds) hook(ctx context.Context, t signature.Transition) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.out = append(k.out, t.To.Kind())
}

func (k *kinds) get() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.out...)
}

func TestSignDisconnectedMakesNoRPCCall(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSession(gw, time.Millisecond)
	rec := &kinds{}
	f := s.NewFlow(txbuild.TopUp, 50_000_000, rec.hook)

	_, err := f.Sign(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAssembled)
	assert.ErrorIs(t, err, gateway.ErrWalletAdapterDisconnected)

	assert.Equal(t, 0, gw.count("block"))
	assert.Equal(t, 0, gw.count("submit"))
	assert.IsType(t, signature.Start{}, f.Machine().Status())
	assert.Empty(t, rec.get())
}

func TestSignBlockTimeoutNeverReachesWaiting(t *testing.T) {
	gw := &fakeGateway{blockErr: gateway.NewError(gateway.KindTimeout, "get_latest_blockhash", context.DeadlineExceeded)}
	s := newTestSession(gw, time.Millisecond)
	s.Wallet.Connect(newSigner(t))
	rec := &kinds{}
	f := s.NewFlow(txbuild.TopUp, 50_000_000, rec.hook)

	_, err := f.Sign(context.Background())
	assert.ErrorIs(t, err, ErrNotAssembled)
	assert.ErrorIs(t, err, gateway.ErrTimeout)
	assert.IsType(t, signature.Start{}, f.Machine().Status())
	assert.Empty(t, rec.get())
	assert.Equal(t, 0, gw.count("submit"))
}

func TestFlowRefreshesDependentResource(t *testing.T) {
	tests := []struct {
		template txbuild.Template
		refresh  string
	}{
		{txbuild.TopUp, "sol"},
		{txbuild.OpenAccount, "escrow"},
		{txbuild.Stake, "ore"},
	}

	for _, tt := range tests {
		t.Run(tt.template.String(), func(t *testing.T) {
			settle := 30 * time.Millisecond
			gw := &fakeGateway{sig: solana.Signature{4, 2}}
			s := newTestSession(gw, settle)
			s.Wallet.Connect(newSigner(t))

			rec := &kinds{}
			f := s.NewFlow(tt.template, 50_000_000, rec.hook)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				f.Run(ctx)
			}()
			defer func() {
				cancel()
				<-done
			}()

			require.Eventually(t, func() bool { return f.Assembly().Snapshot().OK() }, time.Second, time.Millisecond)

			before := map[string]int{"sol": gw.count("sol"), "escrow": gw.count("escrow"), "ore": gw.count("ore")}

			final, err := f.Sign(ctx)
			require.NoError(t, err)
			assert.Equal(t, signature.Done{ID: solana.Signature{4, 2}}, final)
			assert.Equal(t, []string{"waiting", "done"}, rec.get())

			// nothing is re-fetched before the settle delay
			time.Sleep(settle / 3)
			assert.Equal(t, before[tt.refresh], gw.count(tt.refresh))

			require.Eventually(t, func() bool { return gw.count(tt.refresh) == before[tt.refresh]+1 }, time.Second, time.Millisecond)

			time.Sleep(2 * settle)
			assert.Equal(t, before[tt.refresh]+1, gw.count(tt.refresh), "exactly one refresh per Done")
			for name, n := range before {
				if name != tt.refresh {
					assert.Equal(t, n, gw.count(name), "%s must not be refreshed", name)
				}
			}
		})
	}
}

func TestAssemblyFollowsWalletAndFee(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSession(gw, time.Millisecond)
	first := newSigner(t)
	s.Wallet.Connect(first)

	f := s.NewFlow(txbuild.TopUp, 1_000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	payerIs := func(pk solana.PublicKey) func() bool {
		return func() bool {
			snap := f.Assembly().Snapshot()
			return snap.OK() && snap.Value.Payer().Equals(pk)
		}
	}
	require.Eventually(t, payerIs(first.PublicKey()), time.Second, time.Millisecond)
	assert.Len(t, f.Assembly().Snapshot().Value.Instructions(), 3)

	second := newSigner(t)
	s.Wallet.Connect(second)
	require.Eventually(t, payerIs(second.PublicKey()), time.Second, time.Millisecond)

	s.Fee.Set(int64(txbuild.PriorityFeeStep))
	require.Eventually(t, func() bool {
		snap := f.Assembly().Snapshot()
		return snap.OK() && snap.Value.PriorityFee() == txbuild.PriorityFeeStep
	}, time.Second, time.Millisecond)
	assert.Len(t, f.Assembly().Snapshot().Value.Instructions(), 4)

	s.Wallet.Disconnect()
	require.Eventually(t, func() bool {
		snap := f.Assembly().Snapshot()
		return snap.Loaded && snap.Err != nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.Assembly().Snapshot().Err, gateway.ErrWalletAdapterDisconnected)
}

func TestSessionRefreshesOnWalletChange(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSession(gw, time.Millisecond)
	signer := newSigner(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return s.OREBalance.Snapshot().Loaded }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.OREBalance.Snapshot().Err, gateway.ErrWalletAdapterDisconnected)

	s.Wallet.Connect(signer)
	require.Eventually(t, func() bool { return s.SOLBalance.Snapshot().OK() }, time.Second, time.Millisecond)
	assert.Equal(t, signer.PublicKey().String(), s.SOLBalance.Snapshot().Value.Owner)
	assert.Equal(t, "1.000000000", s.SOLBalance.Snapshot().Value.Display)

	require.Eventually(t, func() bool { return s.Escrow.Snapshot().Loaded && s.Escrow.Snapshot().Generation == 2 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Escrow.Snapshot().Err, gateway.ErrAccountNotFound)
}
