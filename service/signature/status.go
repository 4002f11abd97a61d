// Package signature drives a single sign-and-submit interaction through its
// four states.
package signature

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Status is one of Start, Waiting, Done or Failed.
type Status interface {
	isStatus()
	// Kind is the lower-case state name used in logs, metrics and JSON.
	Kind() string
}

// Start is the state before any attempt.
type Start struct{}

// Waiting marks an attempt whose signature or submission is in flight.
type Waiting struct{}

// Done carries the confirmed transaction signature.
type Done struct {
	ID solana.Signature
}

// Failed carries the classified error that ended the attempt.
type Failed struct {
	Err error
}

func (Start) isStatus()   {}
func (Waiting) isStatus() {}
func (Done) isStatus()    {}
func (Failed) isStatus()  {}

func (Start) Kind() string   { return "start" }
func (Waiting) Kind() string { return "waiting" }
func (Done) Kind() string    { return "done" }
func (Failed) Kind() string  { return "failed" }

// Terminal reports whether s ends an attempt.
func Terminal(s Status) bool {
	switch s.(type) {
	case Done, Failed:
		return true
	default:
		return false
	}
}

// Transition is one state change of a machine.
type Transition struct {
	Machine  string
	Template string
	Wallet   solana.PublicKey
	Attempt  uint64
	From     Status
	To       Status
	At       time.Time

	// Superseded marks the late outcome of an attempt that Reset discarded.
	// The machine's status is unchanged by it; it only closes the attempt
	// for hooks that keep history.
	Superseded bool
}
