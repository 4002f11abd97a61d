package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	// ErrInFlight is returned by Invoke while an attempt is Waiting.
	ErrInFlight = errors.New("signature request already in flight")
	// ErrNoTransaction is returned by Invoke when there is nothing to sign.
	ErrNoTransaction = errors.New("no transaction to sign")
	// ErrSuperseded is returned when Reset discarded the attempt.
	ErrSuperseded = errors.New("attempt superseded by reset")
)

// Signer obtains the wallet signature.
type Signer interface {
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Submitter sends a signed transaction and waits for confirmation.
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (solana.Signature, error)
}

// Hook observes each transition synchronously on the goroutine that caused it.
type Hook func(ctx context.Context, t Transition)

// Machine owns the status of one transaction interaction. It never retries on
// its own; every attempt is an explicit Invoke.
type Machine struct {
	id        string
	template  string
	signer    Signer
	submitter Submitter
	hooks     []Hook
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	status  Status
	attempt uint64
	wallet  solana.PublicKey // payer of the current attempt
	feed    resource.Feed[Transition]
}

// NewMachine returns a machine in Start.
func NewMachine(template string, signer Signer, submitter Submitter, m *metrics.Metrics, logger *slog.Logger, hooks ...Hook) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		id:        uuid.NewString(),
		template:  template,
		signer:    signer,
		submitter: submitter,
		hooks:     hooks,
		logger:    logger,
		metrics:   m,
		status:    Start{},
	}
}

// ID identifies this machine across processes; attempts are numbered per
// machine.
func (m *Machine) ID() string {
	return m.id
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempt returns the number of the current (or last) attempt; 0 before the
// first Invoke.
func (m *Machine) Attempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Subscribe delivers every transition in order.
func (m *Machine) Subscribe() (<-chan Transition, func()) {
	return m.feed.Subscribe()
}

// Invoke runs one attempt: Waiting, then sign, then submit, ending in Done or
// Failed. It blocks until the attempt ends and returns the terminal status.
// A signing refusal fails the attempt without touching the network.
func (m *Machine) Invoke(ctx context.Context, utx *txbuild.UnsignedTransaction) (Status, error) {
	if utx == nil {
		return m.Status(), ErrNoTransaction
	}

	m.mu.Lock()
	if _, waiting := m.status.(Waiting); waiting {
		m.mu.Unlock()
		return Waiting{}, ErrInFlight
	}
	m.attempt++
	attempt := m.attempt
	m.wallet = utx.Payer()
	t := m.setLocked(attempt, Waiting{})
	m.mu.Unlock()
	m.notify(ctx, t)

	m.logger.InfoContext(ctx, "signature requested",
		"template", m.template,
		"wallet", utx.Payer().String(),
		"attempt", attempt,
	)

	final := m.run(ctx, utx)

	m.mu.Lock()
	if m.attempt != attempt {
		// a Reset arrived while we were waiting; drop the result
		m.mu.Unlock()
		m.logger.InfoContext(ctx, "discarding result of reset attempt", "template", m.template, "attempt", attempt)
		m.closeSuperseded(ctx, attempt, utx.Payer(), final)
		return final, ErrSuperseded
	}
	t = m.setLocked(attempt, final)
	m.mu.Unlock()
	m.notify(ctx, t)

	switch s := final.(type) {
	case Done:
		m.logger.InfoContext(ctx, "transaction landed",
			"template", m.template,
			"attempt", attempt,
			"signature", s.ID.String(),
		)
	case Failed:
		m.logger.WarnContext(ctx, "transaction failed",
			"template", m.template,
			"attempt", attempt,
			"error", s.Err,
		)
	}

	return final, nil
}

func (m *Machine) run(ctx context.Context, utx *txbuild.UnsignedTransaction) Status {
	tx, err := utx.Transaction()
	if err != nil {
		return Failed{Err: fmt.Errorf("failed to compile transaction: %w", err)}
	}

	signed, err := m.signer.SignTransaction(ctx, tx)
	if err != nil {
		return Failed{Err: err}
	}

	sig, err := m.submitter.Submit(ctx, signed, utx.BlockReference().LastValidBlockHeight)
	if err != nil {
		return Failed{Err: err}
	}
	return Done{ID: sig}
}

// Reset returns the machine to Start, as when its view is recreated. Any
// in-flight attempt is superseded and its result discarded.
func (m *Machine) Reset(ctx context.Context) {
	m.mu.Lock()
	if _, ok := m.status.(Start); ok {
		m.mu.Unlock()
		return
	}
	m.attempt++
	t := m.setLocked(m.attempt, Start{})
	m.mu.Unlock()
	m.notify(ctx, t)
}

func (m *Machine) setLocked(attempt uint64, to Status) Transition {
	t := Transition{
		Machine:  m.id,
		Template: m.template,
		Wallet:   m.wallet,
		Attempt:  attempt,
		From:     m.status,
		To:       to,
		At:       time.Now().UTC(),
	}
	m.status = to
	m.feed.Publish(t)
	return t
}

// closeSuperseded hands the late outcome of a discarded attempt to the hooks
// so recorded history does not stay at waiting. A landed transaction is still
// reported as done; a failure is wrapped with ErrSuperseded.
func (m *Machine) closeSuperseded(ctx context.Context, attempt uint64, payer solana.PublicKey, final Status) {
	if f, ok := final.(Failed); ok {
		final = Failed{Err: fmt.Errorf("%w: %w", ErrSuperseded, f.Err)}
	}
	t := Transition{
		Machine:    m.id,
		Template:   m.template,
		Wallet:     payer,
		Attempt:    attempt,
		From:       Waiting{},
		To:         final,
		At:         time.Now().UTC(),
		Superseded: true,
	}
	for _, hook := range m.hooks {
		hook(ctx, t)
	}
}

func (m *Machine) notify(ctx context.Context, t Transition) {
	if m.metrics != nil {
		m.metrics.RecordStatusTransition(m.template, t.To.Kind())
	}
	for _, hook := range m.hooks {
		hook(ctx, t)
	}
}
