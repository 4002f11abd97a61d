package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
)

// Kind classifies a gateway failure. The set is closed; every error returned
// by Client carries exactly one Kind.
type Kind int

const (
	KindRPCRequestFailed Kind = iota
	KindWalletAdapterDisconnected
	KindAccountNotFound
	KindDeserializationFailed
	KindTimeout
)

// String returns the wire name of the kind. These names are used as metric
// labels, JSON error kinds and Temporal application error types.
func (k Kind) String() string {
	switch k {
	case KindWalletAdapterDisconnected:
		return "wallet_adapter_disconnected"
	case KindAccountNotFound:
		return "account_not_found"
	case KindDeserializationFailed:
		return "deserialization_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "rpc_request_failed"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to
// KindRPCRequestFailed.
func ParseKind(s string) Kind {
	switch s {
	case "wallet_adapter_disconnected":
		return KindWalletAdapterDisconnected
	case "account_not_found":
		return KindAccountNotFound
	case "deserialization_failed":
		return KindDeserializationFailed
	case "timeout":
		return KindTimeout
	default:
		return KindRPCRequestFailed
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind  Kind
	Op    string // gateway operation, e.g. "get_balance"
	Cause string
}

func (e *Error) Error() string {
	if e.Cause == "" {
		if e.Op == "" {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Cause)
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of Op and Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrWalletAdapterDisconnected = &Error{Kind: KindWalletAdapterDisconnected}
	ErrRPCRequestFailed          = &Error{Kind: KindRPCRequestFailed}
	ErrAccountNotFound           = &Error{Kind: KindAccountNotFound}
	ErrDeserializationFailed     = &Error{Kind: KindDeserializationFailed}
	ErrTimeout                   = &Error{Kind: KindTimeout}
)

// NewError builds a classified error for op.
func NewError(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op}
	if cause != nil {
		e.Cause = cause.Error()
	}
	return e
}

// KindOf returns the Kind of err, or KindRPCRequestFailed when err was not
// classified by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRPCRequestFailed
}

// classify maps a raw RPC-layer error onto the taxonomy.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, op, err)
	case errors.Is(err, rpc.ErrNotFound):
		return NewError(KindAccountNotFound, op, err)
	}

	// jsonrpc surfaces transport timeouts as plain strings
	msg := err.Error()
	if strings.Contains(msg, "Client.Timeout") || strings.Contains(msg, "i/o timeout") {
		return NewError(KindTimeout, op, err)
	}
	if strings.Contains(msg, "could not find account") {
		return NewError(KindAccountNotFound, op, err)
	}

	return NewError(KindRPCRequestFailed, op, err)
}
