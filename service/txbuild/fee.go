package txbuild

import (
	"fmt"
	"sync"

	"github.com/brojonat/oreflow/service/resource"
)

// PriorityFee is the per-compute-unit price in micro-lamports.
type PriorityFee uint64

const (
	// MaxPriorityFee is the upper bound offered to users.
	MaxPriorityFee PriorityFee = 50_000_000
	// PriorityFeeStep is the granularity of the fee input.
	PriorityFeeStep PriorityFee = 100_000
)

// NewPriorityFee validates v against [0, MaxPriorityFee].
func NewPriorityFee(v int64) (PriorityFee, error) {
	if v < 0 || v > int64(MaxPriorityFee) {
		return 0, fmt.Errorf("priority fee %d out of range [0, %d]", v, MaxPriorityFee)
	}
	return PriorityFee(v), nil
}

// ClampPriorityFee forces v into [0, MaxPriorityFee].
func ClampPriorityFee(v int64) PriorityFee {
	switch {
	case v < 0:
		return 0
	case v > int64(MaxPriorityFee):
		return MaxPriorityFee
	default:
		return PriorityFee(v)
	}
}

// Quantize rounds down to a multiple of PriorityFeeStep.
func (f PriorityFee) Quantize() PriorityFee {
	return f - f%PriorityFeeStep
}

func (f PriorityFee) MicroLamports() uint64 {
	return uint64(f)
}

// FeeSetting is the session-wide priority fee. It has a single writer (the
// fee input) and any number of readers.
type FeeSetting struct {
	mu   sync.Mutex
	fee  PriorityFee
	feed resource.Feed[PriorityFee]
}

// NewFeeSetting starts at the clamped initial value.
func NewFeeSetting(initial int64) *FeeSetting {
	return &FeeSetting{fee: ClampPriorityFee(initial)}
}

func (s *FeeSetting) Get() PriorityFee {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fee
}

// Set clamps v, rounds it down to the fee step and publishes it when it
// differs from the current value. It returns the value actually stored.
func (s *FeeSetting) Set(v int64) PriorityFee {
	fee := ClampPriorityFee(v).Quantize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if fee == s.fee {
		return fee
	}
	s.fee = fee
	s.feed.Publish(fee)
	return fee
}

// Subscribe delivers every change of the fee.
func (s *FeeSetting) Subscribe() (<-chan PriorityFee, func()) {
	return s.feed.Subscribe()
}
