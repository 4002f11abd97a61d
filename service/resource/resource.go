// Package resource holds read-only snapshots that are recomputed on demand.
//
// A Resource runs its fetch function on a goroutine each time it is
// restarted. Restarting while a fetch is in flight supersedes it: the older
// fetch is left to finish but its result is dropped, so shared state only
// ever reflects the most recent request.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/oreflow/service/metrics"
)

// FetchFunc computes a fresh value. It should honour ctx cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Snapshot is the state of a resource after a completed fetch. Snapshots are
// replaced wholesale; a new one never shares mutable state with the old.
type Snapshot[T any] struct {
	Value      T
	Err        error
	Loaded     bool // false until the first fetch completes
	Generation uint64
	FetchedAt  time.Time
}

// OK reports whether the snapshot holds a value from a successful fetch.
func (s Snapshot[T]) OK() bool {
	return s.Loaded && s.Err == nil
}

// Restarter is anything that can be told to recompute.
type Restarter interface {
	Restart(ctx context.Context) uint64
}

// Resource is a reactive, discard-on-supersede snapshot holder.
type Resource[T any] struct {
	name    string
	fetch   FetchFunc[T]
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	generation uint64
	current    Snapshot[T]
	pending    context.CancelFunc
	settled    chan struct{} // closed when the latest generation is applied
	feed       Feed[Snapshot[T]]
}

// New creates a resource. Nothing is fetched until Restart is called.
func New[T any](name string, fetch FetchFunc[T], m *metrics.Metrics, logger *slog.Logger) *Resource[T] {
	if logger == nil {
		logger = slog.Default()
	}
	settled := make(chan struct{})
	close(settled)
	return &Resource[T]{
		name:    name,
		fetch:   fetch,
		logger:  logger,
		metrics: m,
		settled: settled,
	}
}

// Name identifies the resource in logs and metrics.
func (r *Resource[T]) Name() string {
	return r.name
}

// Restart starts a new fetch and returns its generation. Any fetch still in
// flight is superseded and its result will be discarded.
func (r *Resource[T]) Restart(ctx context.Context) uint64 {
	// detach from the caller's lifetime but keep its values (request IDs etc.)
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.generation++
	gen := r.generation
	if r.pending != nil {
		// the superseded fetch may still run to completion; only its
		// context is released here
		r.pending()
	}
	r.pending = cancel
	if isClosed(r.settled) {
		r.settled = make(chan struct{})
	}
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "resource fetch started", "resource", r.name, "generation", gen)

	go r.run(fetchCtx, cancel, gen)
	return gen
}

func (r *Resource[T]) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	value, err := r.fetch(ctx)

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RecordSuperseded(r.name)
		}
		r.logger.Debug("discarding superseded fetch", "resource", r.name, "generation", gen)
		return
	}

	snap := Snapshot[T]{
		Value:      value,
		Err:        err,
		Loaded:     true,
		Generation: gen,
		FetchedAt:  time.Now().UTC(),
	}
	r.current = snap
	r.pending = nil
	close(r.settled)
	r.feed.Publish(snap)
	r.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		r.logger.Warn("resource fetch failed", "resource", r.name, "generation", gen, "error", err)
	}
	if r.metrics != nil {
		r.metrics.RecordRefresh(r.name, status)
	}
}

// Snapshot returns the last applied snapshot.
func (r *Resource[T]) Snapshot() Snapshot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Generation returns the most recently requested generation, which may still
// be in flight.
func (r *Resource[T]) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Wait blocks until the most recent generation has been applied, then returns
// its snapshot. A Restart during the wait extends it to the newer generation.
func (r *Resource[T]) Wait(ctx context.Context) (Snapshot[T], error) {
	for {
		r.mu.Lock()
		settled := r.settled
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot[T]{}, ctx.Err()
		case <-settled:
		}

		r.mu.Lock()
		if isClosed(r.settled) {
			snap := r.current
			r.mu.Unlock()
			return snap, nil
		}
		r.mu.Unlock()
	}
}

// Subscribe delivers every applied snapshot in order.
func (r *Resource[T]) Subscribe() (<-chan Snapshot[T], func()) {
	return r.feed.Subscribe()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
