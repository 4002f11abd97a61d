package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/brojonat/oreflow/service/db"
	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/server"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/brojonat/oreflow/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ledger confirms everything it is given.
type ledger struct {
	ref gateway.BlockReference
}

func (l *ledger) GetRecentBlockReference(ctx context.Context) (gateway.BlockReference, error) {
	return l.ref, nil
}

func (l *ledger) GetBalance(ctx context.Context, owner solanago.PublicKey) (gateway.Balance, error) {
	return gateway.NewBalance(owner, owner, 2_000_000_000, 11), nil
}

func (l *ledger) GetSOLBalance(ctx context.Context, owner solanago.PublicKey) (gateway.Balance, error) {
	return gateway.NewBalance(owner, owner, 3_000_000_000, 9), nil
}

func (l *ledger) GetEscrow(ctx context.Context, owner solanago.PublicKey) (gateway.EscrowAccount, error) {
	return gateway.EscrowAccount{}, gateway.NewError(gateway.KindAccountNotFound, "get_escrow", nil)
}

func (l *ledger) Submit(ctx context.Context, tx *solanago.Transaction, lastValidBlockHeight uint64) (solanago.Signature, error) {
	if lastValidBlockHeight != l.ref.LastValidBlockHeight {
		return solanago.Signature{}, gateway.NewError(gateway.KindTimeout, "confirm_transaction", errors.New("block height exceeded"))
	}
	return tx.Signatures[0], nil
}

func program() ore.Program {
	return ore.Program{
		ID:           solanago.MustPublicKeyFromBase58("HS9XYYijv7g39DJ8G7zWB4Sb5ewRvWyeJ4JyMR2V1YYi"),
		Mint:         solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		FeeCollector: solanago.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111"),
	}
}

// TestServerIntegration drives the external-wallet path over real HTTP:
// assemble on the server, sign locally, submit on the server.
func TestServerIntegration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := &ledger{ref: gateway.BlockReference{Blockhash: solanago.Hash{5}, LastValidBlockHeight: 777}}
	srv := server.New(":0", server.Options{TopUpAmount: 1_000_000}, l, program(), nil, nil, nil, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, nil)
	ctx := context.Background()

	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := wallet.NewKeypairSigner(key)
	owner := signer.PublicKey().String()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, c.Health(ctx))
	})

	t.Run("reads", func(t *testing.T) {
		balance, err := c.Balance(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, "0.02000000000", balance.Display)

		sol, err := c.SOLBalance(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, "3.000000000", sol.Display)

		_, err = c.Escrow(ctx, owner)
		assert.True(t, errors.Is(err, client.ErrNotFound))
	})

	t.Run("assemble sign submit", func(t *testing.T) {
		assembled, err := c.Assemble(ctx, client.AssembleRequest{Template: "top_up", Wallet: owner})
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), assembled.Amount)
		assert.Equal(t, uint64(777), assembled.LastValidBlockHeight)

		tx, err := txbuild.DecodeTransaction(assembled.Transaction)
		require.NoError(t, err)
		signed, err := signer.SignTransaction(ctx, tx)
		require.NoError(t, err)
		encoded, err := txbuild.EncodeTransaction(signed)
		require.NoError(t, err)

		sig, err := c.Submit(ctx, encoded, assembled.LastValidBlockHeight)
		require.NoError(t, err)
		assert.Equal(t, signed.Signatures[0].String(), sig)
	})

	t.Run("stale block reference", func(t *testing.T) {
		assembled, err := c.Assemble(ctx, client.AssembleRequest{Template: "top_up", Wallet: owner})
		require.NoError(t, err)
		tx, err := txbuild.DecodeTransaction(assembled.Transaction)
		require.NoError(t, err)
		signed, err := signer.SignTransaction(ctx, tx)
		require.NoError(t, err)
		encoded, err := txbuild.EncodeTransaction(signed)
		require.NoError(t, err)

		_, err = c.Submit(ctx, encoded, assembled.LastValidBlockHeight-1)
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "timeout", apiErr.Kind)
	})
}

// TestAttemptHistoryIntegration records a machine's transitions in Postgres
// and reads them back through the API.
func TestAttemptHistoryIntegration(t *testing.T) {
	db.SkipIfNoTestDB(t)

	store := db.NewTestStore(t)
	defer store.Close()
	store.Cleanup(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := &ledger{ref: gateway.BlockReference{Blockhash: solanago.Hash{6}, LastValidBlockHeight: 500}}

	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := wallet.NewKeypairSigner(key)

	machine := signature.NewMachine("stake", signer, l, nil, logger, db.Hook(store.Store, logger))
	utx, err := txbuild.Bind(txbuild.Request{Template: txbuild.Stake, Amount: 10}, signer.PublicKey(), program(), l.ref, time.Now())
	require.NoError(t, err)

	status, err := machine.Invoke(context.Background(), utx)
	require.NoError(t, err)
	done, ok := status.(signature.Done)
	require.True(t, ok, "expected done, got %s", status.Kind())

	srv := server.New(":0", server.Options{}, l, program(), nil, store.Store, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := client.NewClient(ts.URL, nil, nil)
	attempts, err := c.ListAttempts(context.Background(), signer.PublicKey().String(), 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, machine.ID(), attempts[0].MachineID)
	assert.Equal(t, "done", attempts[0].Status)
	require.NotNil(t, attempts[0].Signature)
	assert.Equal(t, done.ID.String(), *attempts[0].Signature)

	byID, err := c.GetAttempt(context.Background(), done.ID.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), byID.Attempt)
}
