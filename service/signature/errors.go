package signature

import (
	"errors"

	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/wallet"
)

// KindSignatureRefused names a wallet refusal; every other failure is named
// by its gateway kind.
const KindSignatureRefused = "signature_refused"

// KindSuperseded names an attempt discarded by Reset before it ended.
const KindSuperseded = "superseded"

// ErrorKind names the failure class of err for clients and storage.
func ErrorKind(err error) string {
	if errors.Is(err, ErrSuperseded) {
		return KindSuperseded
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind.String()
	}
	if errors.Is(err, wallet.ErrSignatureRefused) {
		return KindSignatureRefused
	}
	return gateway.KindRPCRequestFailed.String()
}
