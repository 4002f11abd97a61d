package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetAccountInfoResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Options tune confirmation behaviour.
type Options struct {
	Commitment          rpc.CommitmentType
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// DefaultOptions returns the settings used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Commitment:          rpc.CommitmentConfirmed,
		ConfirmTimeout:      60 * time.Second,
		ConfirmPollInterval: 500 * time.Millisecond,
	}
}

// Client is the gateway to the ledger. Every method performs at most one
// logical request, never retries, and returns failures as *Error.
type Client struct {
	rpc      RPCClient
	program  ore.Program
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
}

// NewClient creates a new gateway client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, program ore.Program, opts Options, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	defaults := DefaultOptions()
	if opts.Commitment == "" {
		opts.Commitment = defaults.Commitment
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = defaults.ConfirmPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:      rpcClient,
		program:  program,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// Program returns the program constants this client resolves addresses with.
func (c *Client) Program() ore.Program {
	return c.program
}

// observe records the RPC call metrics and classifies err.
func (c *Client) observe(ctx context.Context, op string, start time.Time, err error) error {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall(op, status, c.endpoint, duration)
	}
	if err == nil {
		return nil
	}

	classified := classify(op, err)
	if c.metrics != nil {
		c.metrics.RecordGatewayError(op, classified.Kind.String())
	}
	c.logger.DebugContext(ctx, "gateway call failed",
		"operation", op,
		"kind", classified.Kind.String(),
		"error", err,
	)
	return classified
}

// GetRecentBlockReference fetches the latest blockhash. Callers must treat the
// reference as expiring; it is never refreshed behind their back.
func (c *Client) GetRecentBlockReference(ctx context.Context) (BlockReference, error) {
	const op = "get_latest_blockhash"

	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, c.opts.Commitment)
	if err == nil && (out == nil || out.Value == nil) {
		err = NewError(KindDeserializationFailed, op, errors.New("empty blockhash response"))
	}
	if err := c.observe(ctx, op, start, err); err != nil {
		return BlockReference{}, err
	}

	ref := BlockReference{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		FetchedAt:            time.Now().UTC(),
	}

	c.logger.DebugContext(ctx, "fetched block reference",
		"blockhash", ref.Blockhash.String(),
		"last_valid_block_height", ref.LastValidBlockHeight,
	)

	return ref, nil
}

// GetBalance returns the owner's ORE token balance.
func (c *Client) GetBalance(ctx context.Context, owner solana.PublicKey) (Balance, error) {
	const op = "get_token_account_balance"

	account, err := c.program.TokenAccountAddress(owner)
	if err != nil {
		return Balance{}, NewError(KindRPCRequestFailed, op, err)
	}

	start := time.Now()
	out, err := c.rpc.GetTokenAccountBalance(ctx, account, c.opts.Commitment)
	if err == nil && (out == nil || out.Value == nil) {
		err = NewError(KindAccountNotFound, op, fmt.Errorf("no token account %s", account))
	}
	if err := c.observe(ctx, op, start, err); err != nil {
		return Balance{}, err
	}

	raw, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return Balance{}, NewError(KindDeserializationFailed, op, fmt.Errorf("invalid amount %q: %w", out.Value.Amount, err))
	}

	return NewBalance(owner, account, raw, out.Value.Decimals), nil
}

// GetSOLBalance returns the owner's native balance in lamports.
func (c *Client) GetSOLBalance(ctx context.Context, owner solana.PublicKey) (Balance, error) {
	const op = "get_balance"

	start := time.Now()
	out, err := c.rpc.GetBalance(ctx, owner, c.opts.Commitment)
	if err == nil && out == nil {
		err = NewError(KindAccountNotFound, op, fmt.Errorf("no account %s", owner))
	}
	if err := c.observe(ctx, op, start, err); err != nil {
		return Balance{}, err
	}

	return NewBalance(owner, owner, out.Value, 9), nil
}

// GetEscrow returns the decoded escrow account owned by the program on behalf
// of owner.
func (c *Client) GetEscrow(ctx context.Context, owner solana.PublicKey) (EscrowAccount, error) {
	const op = "get_escrow"

	address, err := c.program.EscrowAddress(owner)
	if err != nil {
		return EscrowAccount{}, NewError(KindRPCRequestFailed, op, err)
	}

	start := time.Now()
	out, err := c.rpc.GetAccountInfo(ctx, address, c.opts.Commitment)
	if err == nil && (out == nil || out.Value == nil) {
		err = rpc.ErrNotFound
	}
	if err := c.observe(ctx, op, start, err); err != nil {
		return EscrowAccount{}, err
	}

	if !out.Value.Owner.Equals(c.program.ID) {
		return EscrowAccount{}, NewError(KindAccountNotFound, op,
			fmt.Errorf("escrow %s owned by %s, want %s", address, out.Value.Owner, c.program.ID))
	}

	var data []byte
	if out.Value.Data != nil {
		data = out.Value.Data.GetBinary()
	}
	escrow, err := decodeEscrow(address, out.Value.Lamports, data)
	if err != nil {
		return EscrowAccount{}, NewError(KindDeserializationFailed, op, err)
	}

	return escrow, nil
}

// Submit sends a signed transaction once and waits for confirmation.
// lastValidBlockHeight comes from the transaction's block reference; when it
// is non-zero, confirmation stops as soon as the chain passes it. The node is
// told not to rebroadcast, so a call never lands the transaction twice.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (solana.Signature, error) {
	const op = "send_transaction"

	if tx == nil || len(tx.Signatures) == 0 {
		return solana.Signature{}, NewError(KindRPCRequestFailed, op, errors.New("transaction is not signed"))
	}

	submitted := time.Now()
	noRebroadcast := uint(0)
	sig, err := c.rpc.SendTransaction(ctx, tx, rpc.TransactionOpts{
		Encoding:            solana.EncodingBase64,
		PreflightCommitment: c.opts.Commitment,
		MaxRetries:          &noRebroadcast,
	})
	if err := c.observe(ctx, op, submitted, err); err != nil {
		c.recordConfirmation("send_failed", submitted)
		return solana.Signature{}, err
	}

	c.logger.InfoContext(ctx, "transaction submitted", "signature", sig.String())

	if err := c.awaitConfirmation(ctx, sig, lastValidBlockHeight); err != nil {
		c.recordConfirmation(KindOf(err).String(), submitted)
		return solana.Signature{}, err
	}

	c.recordConfirmation("confirmed", submitted)
	c.logger.InfoContext(ctx, "transaction confirmed",
		"signature", sig.String(),
		"duration_seconds", time.Since(submitted).Seconds(),
	)

	return sig, nil
}

func (c *Client) recordConfirmation(status string, since time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmation(status, time.Since(since).Seconds())
	}
}

// awaitConfirmation polls the signature status. Polling reads state; it never
// resubmits.
func (c *Client) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	const op = "confirm_transaction"

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		done, err := c.checkSignature(ctx, sig)
		if err != nil || done {
			return err
		}

		if lastValidBlockHeight > 0 {
			start := time.Now()
			height, err := c.rpc.GetBlockHeight(ctx, c.opts.Commitment)
			if err := c.observe(ctx, "get_block_height", start, err); err != nil {
				return err
			}
			if height > lastValidBlockHeight {
				// one last look: it may have landed in the final valid block
				done, err := c.checkSignature(ctx, sig)
				if err != nil || done {
					return err
				}
				return NewError(KindTimeout, op,
					fmt.Errorf("blockhash expired at height %d before %s confirmed", lastValidBlockHeight, sig))
			}
		}

		select {
		case <-ctx.Done():
			return NewError(KindTimeout, op, fmt.Errorf("%s not confirmed within %s", sig, c.opts.ConfirmTimeout))
		case <-ticker.C:
		}
	}
}

// checkSignature reports whether sig reached the configured commitment.
func (c *Client) checkSignature(ctx context.Context, sig solana.Signature) (bool, error) {
	const op = "get_signature_statuses"

	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, sig)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// the confirm deadline fired mid-request
		err = context.DeadlineExceeded
	}
	if err := c.observe(ctx, op, start, err); err != nil {
		return false, err
	}

	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return false, NewError(KindRPCRequestFailed, "confirm_transaction", fmt.Errorf("transaction %s failed: %v", sig, status.Err))
	}

	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return true, nil
	case rpc.ConfirmationStatusConfirmed:
		return c.opts.Commitment != rpc.CommitmentFinalized, nil
	default:
		return false, nil
	}
}
