// Package refresh re-fetches dependent snapshots after a transaction lands.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/resource"
	"github.com/brojonat/oreflow/service/signature"
)

// DefaultSettleDelay gives read paths time to catch up with a confirmed write.
const DefaultSettleDelay = time.Second

// TransitionSource is satisfied by *signature.Machine.
type TransitionSource interface {
	Subscribe() (<-chan signature.Transition, func())
}

// Target is a resource that can be told to re-fetch.
type Target interface {
	resource.Restarter
	Name() string
}

// Refresher waits a settle delay after each Done and then restarts its
// target exactly once for that attempt.
type Refresher struct {
	delay   time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a refresher. A non-positive delay uses DefaultSettleDelay.
func New(delay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Refresher {
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{delay: delay, logger: logger, metrics: m}
}

// Delay returns the configured settle delay.
func (r *Refresher) Delay() time.Duration {
	return r.delay
}

// Watch observes source until ctx is done. Each Done attempt schedules one
// restart of target; later attempts never cancel an earlier pending refresh.
// Watch returns after pending refreshes have finished or been abandoned.
func (r *Refresher) Watch(ctx context.Context, source TransitionSource, target Target) {
	transitions, cancel := source.Subscribe()
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	seen := make(map[uint64]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if _, done := t.To.(signature.Done); !done || seen[t.Attempt] {
				continue
			}
			seen[t.Attempt] = true

			wg.Add(1)
			go func(t signature.Transition) {
				defer wg.Done()
				r.AfterSettle(ctx, t, target)
			}(t)
		}
	}
}

// AfterSettle waits the settle delay and restarts target. It returns false if
// ctx ended first, in which case nothing is restarted.
func (r *Refresher) AfterSettle(ctx context.Context, t signature.Transition, target Target) bool {
	start := time.Now()
	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.logger.DebugContext(ctx, "refresh abandoned",
			"resource", target.Name(),
			"template", t.Template,
			"attempt", t.Attempt,
		)
		return false
	case <-timer.C:
	}

	if r.metrics != nil {
		r.metrics.RecordSettleDelay(target.Name(), time.Since(start).Seconds())
	}

	gen := target.Restart(ctx)
	r.logger.InfoContext(ctx, "refreshing after confirmed transaction",
		"resource", target.Name(),
		"template", t.Template,
		"attempt", t.Attempt,
		"generation", gen,
	)
	return true
}
