package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Balance is a token amount snapshot as reported by the server.
type Balance struct {
	Owner    string `json:"owner"`
	Account  string `json:"account"`
	Raw      uint64 `json:"raw"`
	Decimals uint8  `json:"decimals"`
	Display  string `json:"display"`
}

// Escrow is the decoded escrow account of an owner.
type Escrow struct {
	Address        string    `json:"address"`
	Authority      string    `json:"authority"`
	Lamports       uint64    `json:"lamports"`
	TotalDeposited uint64    `json:"total_deposited"`
	LastFundedAt   time.Time `json:"last_funded_at"`
}

// AssembleRequest describes a transaction to build. A nil PriorityFee uses
// the server default.
type AssembleRequest struct {
	Template    string `json:"template"`
	Wallet      string `json:"wallet"`
	Amount      uint64 `json:"amount,omitempty"`
	PriorityFee *int64 `json:"priority_fee,omitempty"`
}

// AssembledTransaction is an unsigned transaction ready for an external
// wallet. Transaction is base64 with one empty signature slot per signer.
type AssembledTransaction struct {
	Template             string    `json:"template"`
	Wallet               string    `json:"wallet"`
	Amount               uint64    `json:"amount"`
	PriorityFee          uint64    `json:"priority_fee"`
	Blockhash            string    `json:"blockhash"`
	LastValidBlockHeight uint64    `json:"last_valid_block_height"`
	Instructions         int       `json:"instructions"`
	Transaction          string    `json:"transaction"`
	AssembledAt          time.Time `json:"assembled_at"`
}

// TransactionRequest starts a custodial transaction workflow.
type TransactionRequest struct {
	AssembleRequest
	SettleDelay time.Duration `json:"-"`
}

// TransactionResult is the outcome of a custodial transaction workflow.
type TransactionResult struct {
	Template    string          `json:"template"`
	Wallet      string          `json:"wallet"`
	Status      string          `json:"status"` // "done" or "failed"
	MachineID   string          `json:"machine_id,omitempty"`
	Attempt     uint64          `json:"attempt,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Refreshed   json.RawMessage `json:"refreshed,omitempty"`
	RefreshErr  *string         `json:"refresh_error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Attempt is one recorded signature attempt.
type Attempt struct {
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

// StatusEvent is one signature status transition from the stream.
type StatusEvent struct {
	Machine     string    `json:"machine_id"`
	Wallet      string    `json:"wallet"`
	Template    string    `json:"template"`
	Attempt     uint64    `json:"attempt"`
	Status      string    `json:"status"`
	Signature   string    `json:"signature,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	At          time.Time `json:"at"`
	PublishedAt time.Time `json:"published_at"`
}

// Terminal reports whether the event ends an attempt.
func (e *StatusEvent) Terminal() bool {
	return e.Status == "done" || e.Status == "failed"
}

// APIError is a non-2xx response. Kind is set for ledger failures.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// ErrNotFound matches any 404 response.
var ErrNotFound = errors.New("not found")

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the oreflow service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new oreflow service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Balance returns the ORE token balance of owner.
func (c *Client) Balance(ctx context.Context, owner string) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, "GET", "/api/v1/balance/"+url.PathEscape(owner), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SOLBalance returns the native SOL balance of owner.
func (c *Client) SOLBalance(ctx context.Context, owner string) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, "GET", "/api/v1/sol-balance/"+url.PathEscape(owner), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Escrow returns the escrow account of owner.
func (c *Client) Escrow(ctx context.Context, owner string) (*Escrow, error) {
	var out Escrow
	if err := c.do(ctx, "GET", "/api/v1/escrow/"+url.PathEscape(owner), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assemble asks the server for an unsigned transaction.
func (c *Client) Assemble(ctx context.Context, req AssembleRequest) (*AssembledTransaction, error) {
	var out AssembledTransaction
	if err := c.do(ctx, "POST", "/api/v1/transactions/assemble", req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction assembled", "template", out.Template, "blockhash", out.Blockhash)
	return &out, nil
}

// Submit sends a wallet-signed transaction and blocks until it is confirmed
// or its block reference expires. It returns the transaction signature.
func (c *Client) Submit(ctx context.Context, signedTx string, lastValidBlockHeight uint64) (string, error) {
	body := map[string]interface{}{
		"transaction":             signedTx,
		"last_valid_block_height": lastValidBlockHeight,
	}
	var out struct {
		Signature string `json:"signature"`
	}
	if err := c.do(ctx, "POST", "/api/v1/transactions/submit", body, http.StatusOK, &out); err != nil {
		return "", err
	}
	c.logger.Debug("transaction confirmed", "signature", out.Signature)
	return out.Signature, nil
}

// StartTransaction starts a custodial workflow and returns its ID.
func (c *Client) StartTransaction(ctx context.Context, req TransactionRequest) (string, error) {
	body := struct {
		AssembleRequest
		SettleDelay string `json:"settle_delay,omitempty"`
	}{AssembleRequest: req.AssembleRequest}
	if req.SettleDelay > 0 {
		body.SettleDelay = req.SettleDelay.String()
	}

	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.do(ctx, "POST", "/api/v1/transactions", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	c.logger.Debug("transaction workflow started", "template", req.Template, "workflow_id", out.WorkflowID)
	return out.WorkflowID, nil
}

// GetTransaction waits for a workflow and returns its result. A failed
// workflow is returned as a result with Status "failed", not as an error.
func (c *Client) GetTransaction(ctx context.Context, workflowID string) (*TransactionResult, error) {
	var out TransactionResult
	if err := c.do(ctx, "GET", "/api/v1/transactions/"+url.PathEscape(workflowID), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAttempts returns the newest signature attempts for wallet. A limit of
// zero uses the server default.
func (c *Client) ListAttempts(ctx context.Context, wallet string, limit int) ([]*Attempt, error) {
	q := url.Values{}
	q.Set("wallet", wallet)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	var out struct {
		Attempts []*Attempt `json:"attempts"`
	}
	if err := c.do(ctx, "GET", "/api/v1/attempts?"+q.Encode(), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Attempts, nil
}

// GetAttempt returns the attempt that produced signature.
func (c *Client) GetAttempt(ctx context.Context, signature string) (*Attempt, error) {
	var out Attempt
	if err := c.do(ctx, "GET", "/api/v1/attempts/"+url.PathEscape(signature), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// StreamStatus follows the status stream of wallet, calling fn for every
// event until fn returns false, the stream ends, or ctx is done. The stream
// carries only transitions that happen after the connection is made.
func (c *Client) StreamStatus(ctx context.Context, wallet string, fn func(*StatusEvent) bool) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/stream/status/"+url.PathEscape(wallet), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// the configured client's timeout would cut the stream
	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to status stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if event != "" && data != "" {
				done, err := c.dispatch(event, data, fn)
				if err != nil || done {
					return err
				}
			}
			event, data = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("error reading status stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// dispatch handles one SSE event; done reports that fn asked to stop.
func (c *Client) dispatch(event, data string, fn func(*StatusEvent) bool) (done bool, err error) {
	switch event {
	case "status":
		var e StatusEvent
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			c.logger.Warn("failed to decode status event", "error", err)
			return false, nil
		}
		return !fn(&e), nil

	case "error":
		var errInfo struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(data), &errInfo)
		return true, fmt.Errorf("server error: %s", errInfo.Error)

	default:
		// connected and unknown events
		return false, nil
	}
}

// AwaitTerminal follows the status stream until an attempt matching machine
// (any machine when empty) reaches done or failed.
func (c *Client) AwaitTerminal(ctx context.Context, wallet, machine string) (*StatusEvent, error) {
	var found *StatusEvent
	err := c.StreamStatus(ctx, wallet, func(e *StatusEvent) bool {
		if machine != "" && e.Machine != machine {
			return true
		}
		if e.Terminal() {
			found = e
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	if err == nil {
		err = errors.New("status stream closed")
	}
	return nil, err
}

// do sends a JSON request and decodes a JSON response.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, expect int, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expect {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Kind:       errResp.Kind,
	}
}
