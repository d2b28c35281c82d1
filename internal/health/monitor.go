// Package health probes registered workers on a fixed interval and folds the
// results into the registry.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/metrics"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/spi"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultTimeout    = 5 * time.Second
	DefaultEvictAfter = 3
)

// Healthy reports whether w may receive work: it must be online and its last
// heartbeat must be younger than twice the probe interval.
func Healthy(w registry.Worker, now time.Time, interval time.Duration) bool {
	return w.Status == registry.StatusOnline && now.Sub(w.LastHeartbeat) < 2*interval
}

// Options tune a Monitor. Zero Interval and Timeout fall back to the package
// defaults. EvictAfter is the number of consecutive failed probes after which
// a worker is unregistered; zero disables eviction.
type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	EvictAfter int
}

// Monitor runs liveness probes against every registered worker.
type Monitor struct {
	reg        *registry.Registry
	prober     spi.Prober
	interval   time.Duration
	timeout    time.Duration
	evictAfter int
	now        func() time.Time
	log        zerolog.Logger
}

func New(reg *registry.Registry, prober spi.Prober, opts Options) *Monitor {
	m := &Monitor{
		reg:        reg,
		prober:     prober,
		interval:   opts.Interval,
		timeout:    opts.Timeout,
		evictAfter: opts.EvictAfter,
		now:        time.Now,
		log:        logx.Component("health"),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	return m
}

// Healthy applies the package predicate with the monitor's clock and interval.
func (m *Monitor) Healthy(w registry.Worker) bool { return Healthy(w, m.now(), m.interval) }

// Run probes all workers immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	m.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every registered worker concurrently and waits for all
// probes to finish. Each probe is bounded by the probe timeout.
func (m *Monitor) ProbeAll(ctx context.Context) {
	workers := m.reg.Snapshot()
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w registry.Worker) {
			defer wg.Done()
			m.probe(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, w registry.Worker) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	res, err := m.prober.Probe(pctx, w.Address)
	cancel()
	if ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the worker
		return
	}
	alive := err == nil && res.Alive
	updated, ok := m.reg.RecordProbe(w.ID, registry.ProbeOutcome{Alive: alive, Load: res.Load, At: m.now()})
	if !ok {
		return
	}
	if alive {
		if w.Status != updated.Status {
			m.log.Info().Str("worker_id", w.ID).Str("from", string(w.Status)).Str("to", string(updated.Status)).Msg("worker status changed")
		}
		return
	}
	metrics.RecordProbeFailure(w.ID)
	ev := m.log.Warn().Str("worker_id", w.ID).Str("addr", w.Address.String()).Int("failures", updated.ConsecutiveFailures)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("probe failed")
	if m.evictAfter > 0 && updated.ConsecutiveFailures >= m.evictAfter {
		// the worker may have re-registered while the probe was running
		stillFailing := func(cur registry.Worker) bool { return cur.ConsecutiveFailures >= m.evictAfter }
		if m.reg.UnregisterIf(w.ID, stillFailing) {
			metrics.RecordEviction()
			m.log.Warn().Str("worker_id", w.ID).Int("failures", updated.ConsecutiveFailures).Msg("worker evicted")
		}
	}
}
