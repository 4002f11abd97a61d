package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestBalance_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/balance/"+testWallet, r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Balance{
			Owner:    testWallet,
			Raw:      1_500_000_000,
			Decimals: 9,
			Display:  "1.500000000",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	balance, err := client.Balance(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), balance.Raw)
	assert.Equal(t, "1.500000000", balance.Display)
}

func TestEscrow_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/escrow/"+testWallet, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "get_escrow: account not found",
			"kind":  "account_not_found",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Escrow(context.Background(), testWallet)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "account_not_found", apiErr.Kind)
	assert.Contains(t, err.Error(), "account not found")
}

func TestAssemble_SendsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/transactions/assemble", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "stake", body["template"])
		assert.Equal(t, testWallet, body["wallet"])
		assert.Equal(t, float64(100_000), body["priority_fee"])

		json.NewEncoder(w).Encode(AssembledTransaction{
			Template:             "stake",
			Wallet:               testWallet,
			LastValidBlockHeight: 900,
			Transaction:          "AQID",
		})
	}))
	defer server.Close()

	fee := int64(100_000)
	client := NewClient(server.URL, nil, nil)
	utx, err := client.Assemble(context.Background(), AssembleRequest{
		Template:    "stake",
		Wallet:      testWallet,
		Amount:      10,
		PriorityFee: &fee,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(900), utx.LastValidBlockHeight)
	assert.Equal(t, "AQID", utx.Transaction)
}

func TestAssemble_OmitsDefaultFee(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasFee := body["priority_fee"]
		assert.False(t, hasFee)
		json.NewEncoder(w).Encode(AssembledTransaction{})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Assemble(context.Background(), AssembleRequest{Template: "top_up", Wallet: testWallet})
	require.NoError(t, err)
}

func TestSubmit_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c2lnbmVk", body["transaction"])
		assert.Equal(t, float64(1200), body["last_valid_block_height"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]string{"error": "confirm_transaction: timeout", "kind": "timeout"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Submit(context.Background(), "c2lnbmVk", 1200)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, "timeout", apiErr.Kind)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStartTransaction_SettleDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "open_account", body["template"])
		assert.Equal(t, "2s", body["settle_delay"])

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workflow_id": "tx-open_account-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	id, err := client.StartTransaction(context.Background(), TransactionRequest{
		AssembleRequest: AssembleRequest{Template: "open_account", Wallet: testWallet},
		SettleDelay:     2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-open_account-1", id)
}

func TestGetTransaction_Failed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions/tx-stake-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "failed",
			"error_kind": "signature_refused",
			"error":      "sign failed",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	result, err := client.GetTransaction(context.Background(), "tx-stake-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "signature_refused", result.ErrorKind)
	require.NotNil(t, result.Error)
}

func TestListAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attempts", r.URL.Path)
		assert.Equal(t, testWallet, r.URL.Query().Get("wallet"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"attempts": []Attempt{
				{MachineID: "m-1", Wallet: testWallet, Attempt: 2, Status: "done"},
				{MachineID: "m-1", Wallet: testWallet, Attempt: 1, Status: "failed"},
			},
			"count": 2,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	attempts, err := client.ListAttempts(context.Background(), testWallet, 5)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "done", attempts[0].Status)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

// sseServer writes the given events and then holds the stream open until
// the client goes away.
func sseServer(t *testing.T, events ...StatusEvent) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/status/"+testWallet, r.URL.Path)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok, "ResponseWriter should support flushing")

		fmt.Fprintf(w, "event: connected\ndata: {\"wallet\":\"%s\"}\n\n", testWallet)
		fmt.Fprintf(w, ": keepalive\n\n")
		for _, e := range events {
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
		}
		flusher.Flush()

		<-r.Context().Done()
	}))
}

func TestAwaitTerminal_MatchesMachine(t *testing.T) {
	server := sseServer(t,
		StatusEvent{Machine: "other", Wallet: testWallet, Status: "done", Signature: "sig-other"},
		StatusEvent{Machine: "m-1", Wallet: testWallet, Status: "waiting", Attempt: 1},
		StatusEvent{Machine: "m-1", Wallet: testWallet, Status: "done", Attempt: 1, Signature: "sig-1"},
	)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	event, err := client.AwaitTerminal(ctx, testWallet, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", event.Signature)
	assert.Equal(t, uint64(1), event.Attempt)
}

func TestAwaitTerminal_Timeout(t *testing.T) {
	server := sseServer(t, StatusEvent{Machine: "m-1", Wallet: testWallet, Status: "waiting"})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	client := NewClient(server.URL, nil, nil)
	_, err := client.AwaitTerminal(ctx, testWallet, "m-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStreamStatus_ServerErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.StreamStatus(context.Background(), testWallet, func(*StatusEvent) bool { return true })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}
