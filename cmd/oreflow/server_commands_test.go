package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	err := newApp().Run([]string{"oreflow", "--server-url", server.URL, "server", "health"})
	require.NoError(t, err)
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newApp().Run([]string{"oreflow", "--server-url", server.URL, "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	t.Setenv("SERVER_URL", "")

	err := newApp().Run([]string{"oreflow", "--server-url", "", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestVersionCommand(t *testing.T) {
	version = "1.0.0"
	commit = "abc123"
	date = "2025-10-10"

	err := newApp().Run([]string{"oreflow", "server", "version"})
	require.NoError(t, err)
}

func TestEscrowCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/escrow/"+testWallet, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "account not found", "kind": "account_not_found"})
	}))
	defer server.Close()

	err := newApp().Run([]string{"oreflow", "--server-url", server.URL, "escrow", testWallet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no escrow account")
}

func TestAttemptsListCommand(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attempts", r.URL.Path)
		gotQuery = r.URL.RawQuery
		sig := "sig"
		json.NewEncoder(w).Encode(map[string]any{
			"attempts": []client.Attempt{
				{MachineID: "m-1", Wallet: testWallet, Template: "stake", Attempt: 2, Status: "done", Signature: &sig, UpdatedAt: time.Now()},
				{MachineID: "m-1", Wallet: testWallet, Template: "stake", Attempt: 1, Status: "failed", UpdatedAt: time.Now()},
			},
			"count": 2,
			"limit": 10,
		})
	}))
	defer server.Close()

	err := newApp().Run([]string{"oreflow", "--server-url", server.URL, "--json", "attempts", "list", "--limit", "10", "--must-jq", `.status == "done"`, testWallet})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "limit=10")
	assert.Contains(t, gotQuery, "wallet="+testWallet)
}

func TestAttemptsListCommand_InvalidFilter(t *testing.T) {
	err := newApp().Run([]string{"oreflow", "attempts", "list", "--must-jq", ".status ==", testWallet})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq filter")
}

func TestTxRunCommand_Validation(t *testing.T) {
	t.Setenv("KEYPAIR_PATH", "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing template", []string{"tx", "run"}, "template is required"},
		{"unknown template", []string{"tx", "run", "burn"}, "unknown template"},
		{"missing keypair", []string{"tx", "run", "stake"}, "keypair is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newApp().Run(append([]string{"oreflow"}, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
