// Package wallet models the connected signer: who the user is and whether a
// signature can be requested from them.
package wallet

import (
	"github.com/gagliardetto/solana-go"
)

// State is either Disconnected or Connected. The interface is sealed; switch
// on the concrete type to handle both cases.
type State interface {
	isState()
	// Identity returns the connected public key and true, or false when
	// disconnected.
	Identity() (solana.PublicKey, bool)
}

// Disconnected means no signer is available.
type Disconnected struct{}

func (Disconnected) isState() {}

func (Disconnected) Identity() (solana.PublicKey, bool) {
	return solana.PublicKey{}, false
}

func (Disconnected) String() string { return "disconnected" }

// Connected carries the identity of the active signer. It does not change
// for the lifetime of a connection.
type Connected struct {
	Key solana.PublicKey
}

func (Connected) isState() {}

func (c Connected) Identity() (solana.PublicKey, bool) {
	return c.Key, true
}

func (c Connected) String() string { return "connected(" + c.Key.String() + ")" }

// Change is delivered to subscribers when the adapter state changes.
type Change struct {
	State      State
	Generation uint64
}
