package temporal

import (
	"errors"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/wallet"
	"go.temporal.io/sdk/temporal"
)

// nonRetryable wraps an activity failure so Temporal never re-runs it. The
// application error type carries the failure kind across the boundary.
func nonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), signature.ErrorKind(err), err)
}

// ErrorKind recovers the failure kind from a workflow or activity error.
func ErrorKind(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return appErr.Type()
	}
	return signature.ErrorKind(err)
}

// Reclassify turns a workflow error back into the error the caller would
// have seen in-process: a *gateway.Error, or a wallet refusal.
func Reclassify(err error) error {
	if err == nil {
		return nil
	}
	switch kind := ErrorKind(err); kind {
	case signature.KindSignatureRefused:
		return &wallet.SignError{Reason: err.Error()}
	case KindInvalidInput:
		return err
	default:
		return gateway.NewError(gateway.ParseKind(kind), "workflow", err)
	}
}

// KindInvalidInput marks requests the activities reject before any ledger
// access.
const KindInvalidInput = "invalid_input"

func invalidInput(err error) error {
	return temporal.NewNonRetryableApplicationError(err.Error(), KindInvalidInput, err)
}
