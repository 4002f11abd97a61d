package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brojonat/oreflow/service/refresh"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/brojonat/oreflow/service/txbuild"
)

// ErrNotAssembled is returned by Sign when no transaction is available. The
// assembly error, if any, is wrapped alongside it.
var ErrNotAssembled = errors.New("transaction not assembled")

// Flow runs one template: it keeps an assembled transaction current, signs
// it on request and refreshes the dependent snapshot after success.
type Flow struct {
	session  *Session
	template txbuild.Template
	amount   atomic.Uint64

	assembly  *resource.Resource[*txbuild.UnsignedTransaction]
	machine   *signature.Machine
	refresher *refresh.Refresher
	target    refresh.Target

	ready     chan struct{}
	readyOnce sync.Once
}

// subscription is a transition source that was subscribed ahead of time.
type subscription struct {
	transitions <-chan signature.Transition
	cancel      func()
}

func (s subscription) Subscribe() (<-chan signature.Transition, func()) {
	return s.transitions, s.cancel
}

// NewFlow creates a flow for template. Hooks observe every status transition.
func (s *Session) NewFlow(template txbuild.Template, amount uint64, hooks ...signature.Hook) *Flow {
	f := &Flow{
		session:   s,
		template:  template,
		refresher: refresh.New(s.settleDelay, s.metrics, s.logger),
		target:    s.dependent(template),
		ready:     make(chan struct{}),
	}
	f.amount.Store(amount)

	f.assembly = resource.New(resourceAssembly+"_"+template.String(), func(ctx context.Context) (*txbuild.UnsignedTransaction, error) {
		return s.assembler.Assemble(ctx, txbuild.Request{
			Template:    template,
			Amount:      f.amount.Load(),
			PriorityFee: s.Fee.Get(),
		})
	}, s.metrics, s.logger)

	f.machine = signature.NewMachine(template.String(), s.Wallet, s.gateway, s.metrics, s.logger, hooks...)
	return f
}

func (f *Flow) Template() txbuild.Template { return f.template }

// Machine exposes the status machine for observers.
func (f *Flow) Machine() *signature.Machine { return f.machine }

// Assembly exposes the assembled-transaction snapshot.
func (f *Flow) Assembly() *resource.Resource[*txbuild.UnsignedTransaction] { return f.assembly }

// SetAmount changes the primary amount and reassembles.
func (f *Flow) SetAmount(ctx context.Context, amount uint64) {
	if f.amount.Swap(amount) != amount {
		f.assembly.Restart(ctx)
	}
}

// Ready is closed once Run observes the machine; a Done after that point
// always triggers the dependent refresh.
func (f *Flow) Ready() <-chan struct{} { return f.ready }

// Run keeps the assembly current and drives the dependent refresh. It
// blocks until ctx is done.
func (f *Flow) Run(ctx context.Context) {
	walletChanges, cancelWallet := f.session.Wallet.Subscribe()
	defer cancelWallet()
	feeChanges, cancelFee := f.session.Fee.Subscribe()
	defer cancelFee()
	transitions, cancelTransitions := f.machine.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.refresher.Watch(ctx, subscription{transitions, cancelTransitions}, f.target)
	}()
	defer wg.Wait()
	f.readyOnce.Do(func() { close(f.ready) })

	f.assembly.Restart(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-walletChanges:
			if !ok {
				return
			}
			f.assembly.Restart(ctx)
		case _, ok := <-feeChanges:
			if !ok {
				return
			}
			f.assembly.Restart(ctx)
		}
	}
}

// Sign signs and submits the latest assembled transaction. If assembly
// failed or has not produced a transaction, the machine stays where it is
// and the error wraps ErrNotAssembled.
func (f *Flow) Sign(ctx context.Context) (signature.Status, error) {
	if f.assembly.Generation() == 0 {
		f.assembly.Restart(ctx)
	}

	snap, err := f.assembly.Wait(ctx)
	if err != nil {
		return f.machine.Status(), err
	}
	if snap.Err != nil {
		return f.machine.Status(), fmt.Errorf("%w: %w", ErrNotAssembled, snap.Err)
	}
	if !snap.Loaded || snap.Value == nil {
		return f.machine.Status(), ErrNotAssembled
	}

	utx := snap.Value
	// a transaction is only signed once; later attempts get a fresh block reference
	defer f.assembly.Restart(context.WithoutCancel(ctx))

	return f.machine.Invoke(ctx, utx)
}

// Reset returns the status machine to Start.
func (f *Flow) Reset(ctx context.Context) {
	f.machine.Reset(ctx)
}
