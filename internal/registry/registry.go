// Package registry holds the authoritative in-memory view of worker nodes and
// the model index used to find placement candidates.
package registry

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

// Registry is safe for concurrent use. No method performs I/O.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	byModel map[string]map[string]struct{}

	lmu       sync.RWMutex
	listeners []func(Event)

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]*Worker),
		byModel: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnChange registers fn to receive every registry event.
func (r *Registry) OnChange(fn func(Event)) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

// OnRemove registers fn to be called with the last snapshot of every removed worker.
func (r *Registry) OnRemove(fn func(Worker)) {
	r.OnChange(func(ev Event) {
		if ev.Type == EventRemoved {
			fn(ev.Worker)
		}
	})
}

func (r *Registry) emit(ev Event) {
	r.lmu.RLock()
	ls := r.listeners
	r.lmu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

// Register inserts or replaces a worker. The worker comes up online with zero
// load and a fresh heartbeat. A re-registration replaces the capabilities and
// rebuilds the model index entries; nothing is merged.
func (r *Registry) Register(id string, addr spi.Address, caps Capabilities) Worker {
	now := r.now()
	caps = caps.clone()
	caps.Models = dedupe(caps.Models)

	r.mu.Lock()
	typ := EventRegistered
	registeredAt := now
	if old, ok := r.workers[id]; ok {
		typ = EventUpdated
		registeredAt = old.RegisteredAt
		r.unindex(old)
	}
	w := &Worker{
		ID:            id,
		Address:       addr,
		Capabilities:  caps,
		Status:        StatusOnline,
		LastHeartbeat: now,
		RegisteredAt:  registeredAt,
	}
	r.workers[id] = w
	for _, m := range caps.Models {
		set := r.byModel[m]
		if set == nil {
			set = make(map[string]struct{})
			r.byModel[m] = set
		}
		set[id] = struct{}{}
	}
	snap := w.clone()
	r.mu.Unlock()

	r.emit(Event{Type: typ, Worker: snap})
	return snap
}

// Unregister removes a worker from every index. It returns false when the id
// is unknown.
func (r *Registry) Unregister(id string) bool {
	return r.UnregisterIf(id, nil)
}

// UnregisterIf removes the worker only if pred holds for its current state.
// A nil pred always holds.
func (r *Registry) UnregisterIf(id string, pred func(Worker) bool) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok || (pred != nil && !pred(w.clone())) {
		r.mu.Unlock()
		return false
	}
	delete(r.workers, id)
	r.unindex(w)
	snap := w.clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventRemoved, Worker: snap})
	return true
}

// unindex drops w from the model index. Caller holds r.mu.
func (r *Registry) unindex(w *Worker) {
	for _, m := range w.Capabilities.Models {
		set := r.byModel[m]
		delete(set, w.ID)
		if len(set) == 0 {
			delete(r.byModel, m)
		}
	}
}

// ListCandidates returns the ids of workers advertising model, sorted by id.
// The result is never nil.
func (r *Registry) ListCandidates(model string) []string {
	r.mu.RLock()
	set := r.byModel[model]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Candidates returns value snapshots of the workers advertising model, sorted by id.
func (r *Registry) Candidates(model string) []Worker {
	r.mu.RLock()
	set := r.byModel[model]
	res := make([]Worker, 0, len(set))
	for id := range set {
		res = append(res, r.workers[id].clone())
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Get returns a snapshot of the worker with the given id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// Snapshot returns every worker, sorted by id.
func (r *Registry) Snapshot() []Worker {
	r.mu.RLock()
	res := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		res = append(res, w.clone())
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// SetStatus forces a worker's status. It is the administrative path for
// maintenance mode; probes do not lift maintenance.
func (r *Registry) SetStatus(id string, s Status) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	w.Status = s
	if s != StatusOffline {
		w.ConsecutiveFailures = 0
	}
	snap := w.clone()
	r.mu.Unlock()
	r.emit(Event{Type: EventUpdated, Worker: snap})
	return true
}

// AdjustLoad adds delta to the worker's load, clamped to [0,1], and returns
// the delta that was actually applied so the caller can undo exactly that.
func (r *Registry) AdjustLoad(id string, delta float64) float64 {
	if delta == 0 || math.IsNaN(delta) {
		return 0
	}
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	before := w.Load
	w.Load = clamp01(before + delta)
	applied := w.Load - before
	snap := w.clone()
	r.mu.Unlock()
	if applied != 0 {
		r.emit(Event{Type: EventUpdated, Worker: snap})
	}
	return applied
}

// RecordProbe folds a probe outcome into the worker's state and returns the
// updated snapshot. A successful probe brings the worker online unless it is in
// maintenance; a reported load of 1 or more marks it overloaded. A failed probe
// marks it offline and counts the failure.
func (r *Registry) RecordProbe(id string, p ProbeOutcome) (Worker, bool) {
	at := p.At
	if at.IsZero() {
		at = r.now()
	}
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return Worker{}, false
	}
	if p.Alive {
		w.LastHeartbeat = at
		w.ConsecutiveFailures = 0
		if p.Load != nil && !math.IsNaN(*p.Load) {
			w.Load = clamp01(*p.Load)
		}
		if w.Status != StatusMaintenance {
			if w.Load >= 1 {
				w.Status = StatusOverloaded
			} else {
				w.Status = StatusOnline
			}
		}
	} else {
		w.ConsecutiveFailures++
		if w.Status != StatusMaintenance {
			w.Status = StatusOffline
		}
	}
	snap := w.clone()
	r.mu.Unlock()
	r.emit(Event{Type: EventUpdated, Worker: snap})
	return snap, true
}

// Stats summarises the pool. healthy decides which workers count toward the
// healthy total and the average load; nil means status online.
func (r *Registry) Stats(healthy func(Worker) bool) Stats {
	if healthy == nil {
		healthy = func(w Worker) bool { return w.Status == StatusOnline }
	}
	ws := r.Snapshot()
	st := Stats{TotalWorkers: len(ws), Workers: ws}
	var total float64
	for _, w := range ws {
		if healthy(w) {
			st.HealthyWorkers++
			total += w.Load
		}
	}
	if st.HealthyWorkers > 0 {
		st.AverageLoad = total / float64(st.HealthyWorkers)
	}
	return st
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
