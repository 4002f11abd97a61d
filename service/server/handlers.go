package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/oreflow/service/db"
	"github.com/brojonat/oreflow/service/flow"
	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/ore"
	"github.com/brojonat/oreflow/service/temporal"
	"github.com/brojonat/oreflow/service/txbuild"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - a transaction is at most 1232 bytes
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleGetBalance returns a handler that reads the ORE token balance of an owner.
// GET /api/v1/balance/{owner}
func handleGetBalance(ledger flow.Gateway, logger *slog.Logger) http.Handler {
	return handleOwnerRead(ledger.GetBalance, "balance", logger)
}

// handleGetSOLBalance returns a handler that reads the native SOL balance of an owner.
// GET /api/v1/sol-balance/{owner}
func handleGetSOLBalance(ledger flow.Gateway, logger *slog.Logger) http.Handler {
	return handleOwnerRead(ledger.GetSOLBalance, "sol_balance", logger)
}

// handleGetEscrow returns a handler that reads the decoded escrow account of an owner.
// GET /api/v1/escrow/{owner}
func handleGetEscrow(ledger flow.Gateway, logger *slog.Logger) http.Handler {
	return handleOwnerRead(ledger.GetEscrow, "escrow", logger)
}

func handleOwnerRead[T any](read func(context.Context, solanago.PublicKey) (T, error), what string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := parseAddress(r.PathValue("owner"))
		if err != nil {
			logger.Debug("invalid owner", "owner", r.PathValue("owner"), "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		snapshot, err := read(r.Context(), owner)
		if err != nil {
			logger.WarnContext(r.Context(), "ledger read failed", "resource", what, "owner", owner.String(), "error", err)
			writeGatewayError(w, err)
			return
		}

		writeJSON(w, snapshot, http.StatusOK)
	})
}

// assembleRequest is shared by the assemble and workflow endpoints.
type assembleRequest struct {
	Template    string `json:"template"`
	Wallet      string `json:"wallet"`
	Amount      uint64 `json:"amount"`
	PriorityFee *int64 `json:"priority_fee,omitempty"` // micro-lamports per compute unit
}

// resolve validates the request and fills in defaults.
func (req assembleRequest) resolve(opts Options) (txbuild.Request, solanago.PublicKey, error) {
	template, err := txbuild.ParseTemplate(req.Template)
	if err != nil {
		return txbuild.Request{}, solanago.PublicKey{}, errorf("invalid template: %v", err)
	}

	payer, err := parseAddress(req.Wallet)
	if err != nil {
		return txbuild.Request{}, solanago.PublicKey{}, errorf("invalid wallet: %v", err)
	}

	fee := opts.PriorityFee
	if req.PriorityFee != nil {
		if fee, err = txbuild.NewPriorityFee(*req.PriorityFee); err != nil {
			return txbuild.Request{}, solanago.PublicKey{}, errorf("invalid priority_fee: %v", err)
		}
	}

	amount := req.Amount
	if amount == 0 && template.FundsEscrow() {
		amount = opts.TopUpAmount
	}

	return txbuild.Request{
		Template:    template,
		Amount:      amount,
		PriorityFee: fee,
	}, payer, nil
}

// staticIdentity is a wallet known only by its address; the signature is
// produced by the caller.
type staticIdentity solanago.PublicKey

func (s staticIdentity) Identity() (solanago.PublicKey, bool) {
	key := solanago.PublicKey(s)
	return key, !key.IsZero()
}

type assembleResponse struct {
	Template             string    `json:"template"`
	Wallet               string    `json:"wallet"`
	Amount               uint64    `json:"amount"`
	PriorityFee          uint64    `json:"priority_fee"`
	Blockhash            string    `json:"blockhash"`
	LastValidBlockHeight uint64    `json:"last_valid_block_height"`
	Instructions         int       `json:"instructions"`
	Transaction          string    `json:"transaction"` // base64, unsigned
	AssembledAt          time.Time `json:"assembled_at"`
}

// handleAssemble returns a handler that assembles an unsigned transaction
// for an external wallet to sign.
// POST /api/v1/transactions/assemble
func handleAssemble(ledger flow.Gateway, program ore.Program, opts Options, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body assembleRequest
		if !decodeBody(w, r, &body, logger) {
			return
		}

		req, payer, err := body.resolve(opts)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		assembler := txbuild.NewAssembler(staticIdentity(payer), ledger, program, m, logger)
		utx, err := assembler.Assemble(r.Context(), req)
		if err != nil {
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) {
				writeGatewayError(w, err)
				return
			}
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		encoded, err := utx.Encode()
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to encode transaction", "template", req.Template.String(), "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		ref := utx.BlockReference()
		writeJSON(w, assembleResponse{
			Template:             utx.Template().String(),
			Wallet:               payer.String(),
			Amount:               utx.Amount(),
			PriorityFee:          utx.PriorityFee().MicroLamports(),
			Blockhash:            ref.Blockhash.String(),
			LastValidBlockHeight: ref.LastValidBlockHeight,
			Instructions:         len(utx.Instructions()),
			Transaction:          encoded,
			AssembledAt:          utx.AssembledAt(),
		}, http.StatusOK)
	})
}

// handleSubmit returns a handler that submits a wallet-signed transaction and
// waits for confirmation.
// POST /api/v1/transactions/submit
func handleSubmit(ledger flow.Gateway, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Transaction          string `json:"transaction"` // base64, signed
			LastValidBlockHeight uint64 `json:"last_valid_block_height"`
		}
		if !decodeBody(w, r, &body, logger) {
			return
		}

		if body.Transaction == "" {
			writeError(w, "transaction is required", http.StatusBadRequest)
			return
		}
		if body.LastValidBlockHeight == 0 {
			writeError(w, "last_valid_block_height is required", http.StatusBadRequest)
			return
		}

		tx, err := txbuild.DecodeTransaction(body.Transaction)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(tx.Signatures) == 0 || tx.Signatures[0] == (solanago.Signature{}) {
			writeError(w, "transaction is not signed", http.StatusBadRequest)
			return
		}

		sig, err := ledger.Submit(r.Context(), tx, body.LastValidBlockHeight)
		if err != nil {
			logger.WarnContext(r.Context(), "submission failed", "error", err)
			writeGatewayError(w, err)
			return
		}

		logger.InfoContext(r.Context(), "transaction confirmed", "signature", sig.String())
		writeJSON(w, map[string]string{
			"signature": sig.String(),
		}, http.StatusOK)
	})
}

// handleStartTransaction returns a handler that starts a custodial
// transaction workflow.
// POST /api/v1/transactions
func handleStartTransaction(transactions Transactions, opts Options, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			assembleRequest
			SettleDelay string `json:"settle_delay,omitempty"`
		}
		if !decodeBody(w, r, &body, logger) {
			return
		}

		req, payer, err := body.resolve(opts)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		settle := opts.SettleDelay
		if body.SettleDelay != "" {
			settle, err = time.ParseDuration(body.SettleDelay)
			if err != nil || settle < 0 {
				writeError(w, "invalid settle_delay: must be a non-negative duration", http.StatusBadRequest)
				return
			}
		}

		input := temporal.TransactionInput{
			Template:    req.Template.String(),
			Wallet:      payer.String(),
			Amount:      req.Amount,
			PriorityFee: req.PriorityFee.MicroLamports(),
			SettleDelay: settle,
		}
		workflowID, err := transactions.StartTransaction(r.Context(), input)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start transaction", "template", input.Template, "error", err)
			writeError(w, "failed to start transaction workflow", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]string{
			"workflow_id": workflowID,
			"template":    input.Template,
			"wallet":      input.Wallet,
		}, http.StatusAccepted)
	})
}

// handleGetTransaction returns a handler that waits for a workflow's result.
// A failed workflow is still a 200: the failure is part of the result.
// GET /api/v1/transactions/{workflow_id}
func handleGetTransaction(transactions Transactions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("workflow_id")
		if workflowID == "" || len(workflowID) > 200 {
			writeError(w, "invalid workflow_id", http.StatusBadRequest)
			return
		}

		result, err := transactions.GetTransactionResult(r.Context(), workflowID)
		if errors.Is(err, temporal.ErrWorkflowNotFound) {
			writeError(w, "workflow not found", http.StatusNotFound)
			return
		}
		if result == nil {
			logger.ErrorContext(r.Context(), "failed to get transaction result", "workflow_id", workflowID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err != nil {
			logger.DebugContext(r.Context(), "transaction workflow failed", "workflow_id", workflowID, "error_kind", result.ErrorKind)
		}

		writeJSON(w, result, http.StatusOK)
	})
}

// attemptResponse is the JSON response format for a signature attempt.
type attemptResponse struct {
	MachineID string    `json:"machine_id"`
	Wallet    string    `json:"wallet"`
	Template  string    `json:"template"`
	Attempt   uint64    `json:"attempt"`
	Status    string    `json:"status"`
	Signature *string   `json:"signature,omitempty"`
	ErrorKind *string   `json:"error_kind,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func attemptToResponse(a *db.Attempt) attemptResponse {
	return attemptResponse{
		MachineID: a.MachineID,
		Wallet:    a.Wallet,
		Template:  a.Template,
		Attempt:   a.Attempt,
		Status:    a.Status,
		Signature: a.Signature,
		ErrorKind: a.ErrorKind,
		Error:     a.Error,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// handleListAttempts returns a handler that lists signature attempts for a wallet.
// GET /api/v1/attempts?wallet=ADDRESS&limit=N
func handleListAttempts(attempts Attempts, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		wallet := query.Get("wallet")

		// wallet is required
		if wallet == "" {
			writeError(w, "wallet query parameter is required", http.StatusBadRequest)
			return
		}
		if err := validateAddress(wallet); err != nil {
			logger.Debug("invalid address", "address", wallet, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := int32(db.DefaultListLimit)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		rows, err := attempts.ListAttempts(r.Context(), wallet, limit)
		if err != nil {
			logger.Error("failed to list attempts", "wallet", wallet, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]attemptResponse, len(rows))
		for i, row := range rows {
			resp[i] = attemptToResponse(row)
		}

		writeJSON(w, map[string]interface{}{
			"attempts": resp,
			"count":    len(resp),
			"limit":    limit,
		}, http.StatusOK)
	})
}

// handleGetAttempt returns a handler that looks up the attempt that produced a signature.
// GET /api/v1/attempts/{signature}
func handleGetAttempt(attempts Attempts, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig := r.PathValue("signature")
		if _, err := solanago.SignatureFromBase58(sig); err != nil {
			writeError(w, "invalid signature", http.StatusBadRequest)
			return
		}

		attempt, err := attempts.GetAttemptBySignature(r.Context(), sig)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "attempt not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get attempt", "signature", sig, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, attemptToResponse(attempt), http.StatusOK)
	})
}

// decodeBody reads a size-limited JSON body into v, writing the error
// response itself when that fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		// Check if error is due to body size limit
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusForKind maps a gateway failure kind to an HTTP status.
func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindWalletAdapterDisconnected:
		return http.StatusBadRequest
	case gateway.KindAccountNotFound:
		return http.StatusNotFound
	case gateway.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// writeGatewayError writes a classified gateway failure with its kind.
func writeGatewayError(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parseAddress validates and decodes a base58 public key.
func parseAddress(address string) (solanago.PublicKey, error) {
	if err := validateAddress(address); err != nil {
		return solanago.PublicKey{}, err
	}
	key, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid address: %v", err)
	}
	return key, nil
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
