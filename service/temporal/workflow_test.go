package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func assembledFor(template string) *AssembledTransaction {
	return &AssembledTransaction{
		Template:             template,
		Wallet:               testWallet,
		Amount:               50_000_000,
		Blockhash:            "11111111111111111111111111111111",
		LastValidBlockHeight: 300,
		Instructions:         3,
		Transaction:          "AA==",
	}
}

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.AssembleTransaction)
	env.RegisterActivity(activities.SignAndSubmit)
	env.RegisterActivity(activities.RefreshResource)
	return env, activities
}

func TestTransactionWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		template       string
		assembleErr    error
		submitErr      error
		refreshErr     error
		expectedError  bool
		expectedKind   string
		expectedCalls  [3]int // assemble, sign_and_submit, refresh
		validateResult func(*testing.T, *TransactionResult)
	}{
		{
			name:          "top up lands and refreshes sol balance",
			template:      "top_up",
			expectedCalls: [3]int{1, 1, 1},
			validateResult: func(t *testing.T, result *TransactionResult) {
				assert.Equal(t, "done", result.Status)
				assert.Equal(t, "sig-1", result.Signature)
				assert.Equal(t, uint64(1), result.Attempt)
				require.NotNil(t, result.Refreshed)
				assert.Equal(t, "sol_balance", result.Refreshed.Resource)
				assert.Nil(t, result.Error)
				assert.Nil(t, result.RefreshErr)
			},
		},
		{
			name:          "open account refreshes escrow",
			template:      "open_account",
			expectedCalls: [3]int{1, 1, 1},
			validateResult: func(t *testing.T, result *TransactionResult) {
				require.NotNil(t, result.Refreshed)
				assert.Equal(t, "escrow", result.Refreshed.Resource)
			},
		},
		{
			name:          "stake refreshes ore balance",
			template:      "stake",
			expectedCalls: [3]int{1, 1, 1},
			validateResult: func(t *testing.T, result *TransactionResult) {
				require.NotNil(t, result.Refreshed)
				assert.Equal(t, "ore_balance", result.Refreshed.Resource)
			},
		},
		{
			name:          "block reference timeout never signs",
			template:      "top_up",
			assembleErr:   nonRetryable(gateway.NewError(gateway.KindTimeout, "get_latest_blockhash", nil)),
			expectedError: true,
			expectedKind:  "timeout",
			expectedCalls: [3]int{1, 0, 0},
		},
		{
			name:          "disconnected wallet never signs",
			template:      "stake",
			assembleErr:   nonRetryable(gateway.NewError(gateway.KindWalletAdapterDisconnected, "assemble", nil)),
			expectedError: true,
			expectedKind:  "wallet_adapter_disconnected",
			expectedCalls: [3]int{1, 0, 0},
		},
		{
			name:          "refusal fails without refresh",
			template:      "top_up",
			submitErr:     nonRetryable(&wallet.SignError{Reason: "user rejected"}),
			expectedError: true,
			expectedKind:  "signature_refused",
			expectedCalls: [3]int{1, 1, 0},
		},
		{
			name:          "submit failure is not retried",
			template:      "top_up",
			submitErr:     nonRetryable(gateway.NewError(gateway.KindRPCRequestFailed, "send_transaction", errors.New("node unhealthy"))),
			expectedError: true,
			expectedKind:  "rpc_request_failed",
			expectedCalls: [3]int{1, 1, 0},
		},
		{
			name:          "refresh failure still reports the landed transaction",
			template:      "top_up",
			refreshErr:    nonRetryable(gateway.NewError(gateway.KindAccountNotFound, "get_balance", nil)),
			expectedCalls: [3]int{1, 1, 1},
			validateResult: func(t *testing.T, result *TransactionResult) {
				assert.Equal(t, "done", result.Status)
				assert.Nil(t, result.Refreshed)
				require.NotNil(t, result.RefreshErr)
			},
		},
		{
			name:          "unknown template",
			template:      "withdraw",
			expectedError: true,
			expectedKind:  KindInvalidInput,
			expectedCalls: [3]int{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newWorkflowEnv()
			var calls [3]int

			env.OnActivity(activities.AssembleTransaction, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { calls[0]++ }).
				Return(func(_ context.Context, input AssembleInput) (*AssembledTransaction, error) {
					if tt.assembleErr != nil {
						return nil, tt.assembleErr
					}
					return assembledFor(input.Template), nil
				})
			env.OnActivity(activities.SignAndSubmit, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { calls[1]++ }).
				Return(func(_ context.Context, _ AssembledTransaction) (*SignAndSubmitResult, error) {
					if tt.submitErr != nil {
						return nil, tt.submitErr
					}
					return &SignAndSubmitResult{MachineID: "m-1", Attempt: 1, Signature: "sig-1"}, nil
				})
			env.OnActivity(activities.RefreshResource, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { calls[2]++ }).
				Return(func(_ context.Context, input RefreshInput) (*RefreshResult, error) {
					if tt.refreshErr != nil {
						return nil, tt.refreshErr
					}
					return &RefreshResult{Resource: input.Resource}, nil
				})

			env.ExecuteWorkflow(TransactionWorkflow, TransactionInput{
				Template: tt.template,
				Wallet:   testWallet,
				Amount:   50_000_000,
			})

			require.True(t, env.IsWorkflowCompleted())
			assert.Equal(t, tt.expectedCalls, calls)

			if tt.expectedError {
				err := env.GetWorkflowError()
				require.Error(t, err)
				assert.Equal(t, tt.expectedKind, ErrorKind(err))
				return
			}

			require.NoError(t, env.GetWorkflowError())
			var result TransactionResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestTransactionWorkflow_SettleDelay(t *testing.T) {
	env, activities := newWorkflowEnv()

	var submittedAt, refreshedAt time.Time
	env.OnActivity(activities.AssembleTransaction, mock.Anything, mock.Anything).
		Return(assembledFor("top_up"), nil)
	env.OnActivity(activities.SignAndSubmit, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { submittedAt = env.Now() }).
		Return(&SignAndSubmitResult{Signature: "sig-1", Attempt: 1}, nil)
	env.OnActivity(activities.RefreshResource, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { refreshedAt = env.Now() }).
		Return(&RefreshResult{Resource: "sol_balance"}, nil)

	env.ExecuteWorkflow(TransactionWorkflow, TransactionInput{
		Template:    "top_up",
		Wallet:      testWallet,
		Amount:      50_000_000,
		SettleDelay: 5 * time.Second,
	})

	require.NoError(t, env.GetWorkflowError())
	assert.GreaterOrEqual(t, refreshedAt.Sub(submittedAt), 5*time.Second, "refresh never runs before the settle delay")
}

func TestTransactionWorkflow_NoAutomaticRetries(t *testing.T) {
	env, activities := newWorkflowEnv()

	env.OnActivity(activities.AssembleTransaction, mock.Anything, mock.Anything).
		Return(assembledFor("top_up"), nil)

	// a plain error would be retried under a default policy
	callCount := 0
	env.OnActivity(activities.SignAndSubmit, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { callCount++ }).
		Return(nil, errors.New("transient"))

	env.ExecuteWorkflow(TransactionWorkflow, TransactionInput{Template: "top_up", Wallet: testWallet, Amount: 1})

	assert.Error(t, env.GetWorkflowError())
	assert.Equal(t, 1, callCount)
}
