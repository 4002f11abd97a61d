package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/oreflow/service/ore"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, and count calls so
// tests can assert that nothing was retried.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash    *rpc.GetLatestBlockhashResult
	blockhashErr error
	blockHeight  uint64
	heightErr    error
	balance      *rpc.GetBalanceResult
	tokenBalance *rpc.GetTokenAccountBalanceResult
	tokenErr     error
	account      *rpc.GetAccountInfoResult
	accountErr   error
	sendSig      solana.Signature
	sendErr      error
	statuses     []*rpc.GetSignatureStatusesResult // returned in order, last one repeats
	statusErr    error

	calls map[string]int
}

func (m *mockRPCClient) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

func (m *mockRPCClient) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	m.count("GetLatestBlockhash")
	return m.blockhash, m.blockhashErr
}

func (m *mockRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	m.count("GetBlockHeight")
	return m.blockHeight, m.heightErr
}

func (m *mockRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	m.count("GetBalance")
	return m.balance, nil
}

func (m *mockRPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	m.count("GetTokenAccountBalance")
	return m.tokenBalance, m.tokenErr
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetAccountInfoResult, error) {
	m.count("GetAccountInfo")
	return m.account, m.accountErr
}

func (m *mockRPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.count("SendTransaction")
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.count("GetSignatureStatuses")
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	out := m.statuses[0]
	if len(m.statuses) > 1 {
		m.statuses = m.statuses[1:]
	}
	return out, nil
}

var (
	testProgramID = solana.MustPublicKeyFromBase58("HS9XYYijv7g39DJ8G7zWB4Sb5ewRvWyeJ4JyMR2V1YYi")
	testMint      = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testCollector = solana.MustPublicKeyFromBase58("Vote111111111111111111111111111111111111111")
	testOwner     = solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
)

func testProgram() ore.Program {
	return ore.Program{ID: testProgramID, Mint: testMint, FeeCollector: testCollector}
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, testProgram(), Options{
		ConfirmTimeout:      200 * time.Millisecond,
		ConfirmPollInterval: 5 * time.Millisecond,
	}, "test", nil, logger)
}

func signedTestTransaction(t *testing.T) *solana.Transaction {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, key.PublicKey(), testCollector).Build()},
		solana.Hash{7},
		solana.TransactionPayer(key.PublicKey()),
	)
	require.NoError(t, err)

	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func confirmedStatus(status rpc.ConfirmationStatusType, txErr interface{}) *rpc.GetSignatureStatusesResult {
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{Slot: 10, ConfirmationStatus: status, Err: txErr}},
	}
}

func TestGetRecentBlockReference(t *testing.T) {
	ctx := context.Background()

	t.Run("returns blockhash and expiry height", func(t *testing.T) {
		mock := &mockRPCClient{
			blockhash: &rpc.GetLatestBlockhashResult{
				Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}, LastValidBlockHeight: 1500},
			},
		}
		ref, err := newTestClient(mock).GetRecentBlockReference(ctx)
		require.NoError(t, err)
		assert.Equal(t, solana.Hash{1, 2, 3}, ref.Blockhash)
		assert.Equal(t, uint64(1500), ref.LastValidBlockHeight)
		assert.False(t, ref.FetchedAt.IsZero())
	})

	t.Run("deadline exceeded is classified as timeout", func(t *testing.T) {
		mock := &mockRPCClient{blockhashErr: context.DeadlineExceeded}
		_, err := newTestClient(mock).GetRecentBlockReference(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 1, mock.callCount("GetLatestBlockhash"), "gateway must not retry")
	})

	t.Run("other failures are rpc request failures", func(t *testing.T) {
		mock := &mockRPCClient{blockhashErr: errors.New("connection refused")}
		_, err := newTestClient(mock).GetRecentBlockReference(ctx)
		assert.ErrorIs(t, err, ErrRPCRequestFailed)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, 1, mock.callCount("GetLatestBlockhash"))
	})
}

func TestGetBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("formats raw amount with mint decimals", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenBalance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "150000000000", Decimals: 11},
			},
		}
		bal, err := newTestClient(mock).GetBalance(ctx, testOwner)
		require.NoError(t, err)
		assert.Equal(t, uint64(150_000_000_000), bal.Raw)
		assert.Equal(t, "1.50000000000", bal.Display)
		assert.Equal(t, testOwner.String(), bal.Owner)

		ata, err := testProgram().TokenAccountAddress(testOwner)
		require.NoError(t, err)
		assert.Equal(t, ata.String(), bal.Account)
	})

	t.Run("missing token account", func(t *testing.T) {
		mock := &mockRPCClient{tokenErr: rpc.ErrNotFound}
		_, err := newTestClient(mock).GetBalance(ctx, testOwner)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("unparseable amount", func(t *testing.T) {
		mock := &mockRPCClient{
			tokenBalance: &rpc.GetTokenAccountBalanceResult{
				Value: &rpc.UiTokenAmount{Amount: "not-a-number", Decimals: 11},
			},
		}
		_, err := newTestClient(mock).GetBalance(ctx, testOwner)
		assert.ErrorIs(t, err, ErrDeserializationFailed)
	})
}

func TestGetSOLBalance(t *testing.T) {
	mock := &mockRPCClient{balance: &rpc.GetBalanceResult{Value: 50_000_000}}
	bal, err := newTestClient(mock).GetSOLBalance(context.Background(), testOwner)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), bal.Raw)
	assert.Equal(t, "0.050000000", bal.Display)
}

func TestGetEscrow(t *testing.T) {
	ctx := context.Background()
	fundedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	data, err := EncodeEscrow(testOwner, 50_000_000, fundedAt)
	require.NoError(t, err)

	t.Run("decodes escrow layout", func(t *testing.T) {
		mock := &mockRPCClient{
			account: &rpc.GetAccountInfoResult{
				Value: &rpc.Account{Lamports: 51_000_000, Owner: testProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)},
			},
		}
		escrow, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		require.NoError(t, err)

		want, err := testProgram().EscrowAddress(testOwner)
		require.NoError(t, err)
		assert.Equal(t, want.String(), escrow.Address)
		assert.Equal(t, testOwner.String(), escrow.Authority)
		assert.Equal(t, uint64(51_000_000), escrow.Lamports)
		assert.Equal(t, uint64(50_000_000), escrow.TotalDeposited)
		assert.True(t, fundedAt.Equal(escrow.LastFundedAt))
	})

	t.Run("account not found", func(t *testing.T) {
		mock := &mockRPCClient{accountErr: rpc.ErrNotFound}
		_, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("nil value is not found", func(t *testing.T) {
		mock := &mockRPCClient{account: &rpc.GetAccountInfoResult{}}
		_, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("wrong owner", func(t *testing.T) {
		mock := &mockRPCClient{
			account: &rpc.GetAccountInfoResult{
				Value: &rpc.Account{Owner: solana.SystemProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)},
			},
		}
		_, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NotErrorIs(t, err, ErrDeserializationFailed)
		assert.Contains(t, err.Error(), "owned by")
	})

	t.Run("truncated data", func(t *testing.T) {
		mock := &mockRPCClient{
			account: &rpc.GetAccountInfoResult{
				Value: &rpc.Account{Owner: testProgramID, Data: rpc.DataBytesOrJSONFromBytes(data[:20])},
			},
		}
		_, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		assert.ErrorIs(t, err, ErrDeserializationFailed)
	})

	t.Run("bad discriminator", func(t *testing.T) {
		corrupt := append([]byte{}, data...)
		corrupt[0] = 'x'
		mock := &mockRPCClient{
			account: &rpc.GetAccountInfoResult{
				Value: &rpc.Account{Owner: testProgramID, Data: rpc.DataBytesOrJSONFromBytes(corrupt)},
			},
		}
		_, err := newTestClient(mock).GetEscrow(ctx, testOwner)
		assert.ErrorIs(t, err, ErrDeserializationFailed)
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	sig := solana.Signature{9, 9, 9}

	t.Run("confirms after pending polls", func(t *testing.T) {
		mock := &mockRPCClient{
			sendSig: sig,
			statuses: []*rpc.GetSignatureStatusesResult{
				{Value: []*rpc.SignatureStatusesResult{nil}},
				confirmedStatus(rpc.ConfirmationStatusProcessed, nil),
				confirmedStatus(rpc.ConfirmationStatusConfirmed, nil),
			},
			blockHeight: 10,
		}
		got, err := newTestClient(mock).Submit(ctx, signedTestTransaction(t), 1000)
		require.NoError(t, err)
		assert.Equal(t, sig, got)
		assert.Equal(t, 1, mock.callCount("SendTransaction"), "submission happens once")
		assert.Equal(t, 3, mock.callCount("GetSignatureStatuses"))
	})

	t.Run("on-chain error fails", func(t *testing.T) {
		mock := &mockRPCClient{
			sendSig:  sig,
			statuses: []*rpc.GetSignatureStatusesResult{confirmedStatus(rpc.ConfirmationStatusConfirmed, map[string]interface{}{"InstructionError": []interface{}{1, "Custom"}})},
		}
		_, err := newTestClient(mock).Submit(ctx, signedTestTransaction(t), 0)
		assert.ErrorIs(t, err, ErrRPCRequestFailed)
		assert.Contains(t, err.Error(), "failed")
	})

	t.Run("send failure is not retried", func(t *testing.T) {
		mock := &mockRPCClient{sendErr: errors.New("blockhash not found")}
		_, err := newTestClient(mock).Submit(ctx, signedTestTransaction(t), 0)
		assert.ErrorIs(t, err, ErrRPCRequestFailed)
		assert.Equal(t, 1, mock.callCount("SendTransaction"))
		assert.Equal(t, 0, mock.callCount("GetSignatureStatuses"))
	})

	t.Run("never confirming times out", func(t *testing.T) {
		mock := &mockRPCClient{sendSig: sig}
		_, err := newTestClient(mock).Submit(ctx, signedTestTransaction(t), 0)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 1, mock.callCount("SendTransaction"))
	})

	t.Run("expired blockhash stops polling", func(t *testing.T) {
		mock := &mockRPCClient{sendSig: sig, blockHeight: 2000}
		_, err := newTestClient(mock).Submit(ctx, signedTestTransaction(t), 1000)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, KindTimeout, KindOf(err))
		assert.Contains(t, err.Error(), "expired")
		assert.Equal(t, 1, mock.callCount("SendTransaction"))
	})

	t.Run("unsigned transaction is rejected locally", func(t *testing.T) {
		mock := &mockRPCClient{sendSig: sig}
		_, err := newTestClient(mock).Submit(ctx, &solana.Transaction{}, 0)
		assert.ErrorIs(t, err, ErrRPCRequestFailed)
		assert.Equal(t, 0, mock.callCount("SendTransaction"))
	})
}
