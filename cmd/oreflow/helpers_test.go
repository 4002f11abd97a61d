package main

import (
	"testing"
	"time"

	"github.com/brojonat/oreflow/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJQFilterMatching(t *testing.T) {
	event := &client.StatusEvent{
		Machine:   "m-1",
		Wallet:    "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Template:  "stake",
		Attempt:   2,
		Status:    "failed",
		ErrorKind: "timeout",
		At:        time.Date(2025, 10, 10, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name        string
		filters     []string
		expectMatch bool
	}{
		{
			name:        "no filters match everything",
			expectMatch: true,
		},
		{
			name:        "status match",
			filters:     []string{`.status == "failed"`},
			expectMatch: true,
		},
		{
			name:        "status mismatch",
			filters:     []string{`.status == "done"`},
			expectMatch: false,
		},
		{
			name:        "all filters must match",
			filters:     []string{`.template == "stake"`, `.attempt > 2`},
			expectMatch: false,
		},
		{
			name:        "contains object",
			filters:     []string{`. | contains({error_kind: "timeout", machine_id: "m-1"})`},
			expectMatch: true,
		},
		{
			name:        "null result is falsy",
			filters:     []string{`.signature`},
			expectMatch: false,
		},
		{
			name:        "string result is truthy",
			filters:     []string{`.wallet`},
			expectMatch: true,
		},
		{
			name:        "runtime error does not match",
			filters:     []string{`.status | tonumber`},
			expectMatch: false,
		},
		{
			name:        "empty output does not match",
			filters:     []string{`empty`},
			expectMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileJQ(tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, matchesAll(codes, event))
		})
	}
}

func TestCompileJQ_Invalid(t *testing.T) {
	_, err := compileJQ([]string{`.status ==`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")

	_, err = compileJQ([]string{`$undefined`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]any{}))
}
