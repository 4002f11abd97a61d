package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrSignatureRefused is returned when the signer declines a request.
var ErrSignatureRefused = errors.New("signature refused")

// SignError describes why a signature was refused. It unwraps to
// ErrSignatureRefused.
type SignError struct {
	Reason string
}

func (e *SignError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSignatureRefused, e.Reason)
}

func (e *SignError) Unwrap() error {
	return ErrSignatureRefused
}

// Signer can sign transactions on behalf of one key.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// KeypairSigner signs with a local private key.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps an in-memory private key.
func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// LoadKeypairSigner reads a solana-keygen JSON keypair file.
func LoadKeypairSigner(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair from %s: %w", path, err)
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// SignTransaction signs a copy of tx. It refuses transactions whose fee payer
// is some other key, since those cannot be fully signed here.
func (s *KeypairSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil || len(tx.Message.AccountKeys) == 0 {
		return nil, &SignError{Reason: "empty transaction"}
	}

	own := s.key.PublicKey()
	if payer := tx.Message.AccountKeys[0]; !payer.Equals(own) {
		return nil, &SignError{Reason: fmt.Sprintf("fee payer %s is not %s", payer, own)}
	}

	signed := *tx
	signed.Signatures = nil
	if _, err := signed.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(own) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, &SignError{Reason: err.Error()}
	}
	return &signed, nil
}
