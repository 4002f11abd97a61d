package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/oreflow/service/signature"
)

// StatusEvent is one signature status transition, published to the subject
// "txstatus.{wallet}" in JetStream.
type StatusEvent struct {
	// Who and what
	Machine  string `json:"machine_id"`
	Wallet   string `json:"wallet"`
	Template string `json:"template"`
	Attempt  uint64 `json:"attempt"`

	// Status is one of start, waiting, done, failed
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`

	// Failure details, set only when Status is failed
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Timing information
	At          time.Time `json:"at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the JetStream subject for a wallet.
func Subject(wallet string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, wallet)
}

// FromTransition converts a machine transition to an event for publishing.
func FromTransition(t signature.Transition) *StatusEvent {
	event := &StatusEvent{
		Machine:     t.Machine,
		Wallet:      t.Wallet.String(),
		Template:    t.Template,
		Attempt:     t.Attempt,
		Status:      t.To.Kind(),
		At:          t.At,
		PublishedAt: time.Now().UTC(),
	}

	switch s := t.To.(type) {
	case signature.Done:
		event.Signature = s.ID.String()
	case signature.Failed:
		if s.Err != nil {
			event.Error = s.Err.Error()
			event.ErrorKind = signature.ErrorKind(s.Err)
		}
	}

	return event
}
