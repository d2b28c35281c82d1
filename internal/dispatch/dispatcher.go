// Package dispatch places submitted jobs on workers and owns every task state
// transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/edgepool/core/logx"
	"github.com/gaspardpetit/edgepool/internal/inflight"
	"github.com/gaspardpetit/edgepool/internal/metrics"
	"github.com/gaspardpetit/edgepool/internal/placement"
	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/spi"
	"github.com/gaspardpetit/edgepool/internal/tasks"
)

const (
	DefaultDispatchIncrement = 0.1
	DefaultJobTimeout        = 5 * time.Minute
	DefaultTaskRetention     = 10 * time.Minute

	reasonNoCapacity        = "no available worker for model"
	reasonWorkerUnavailable = "worker unavailable"
	reasonCancelled         = "cancelled"
)

var (
	// ErrValidation is returned by Submit for a malformed job; no task is created.
	ErrValidation = errors.New("invalid job")
	// ErrClosed is returned by Submit once the dispatcher stopped accepting work.
	ErrClosed = errors.New("dispatcher closed")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
)

type (
	JobSpec      = tasks.JobSpec
	Requirements = placement.Requirements
)

// HealthFilter decides whether a worker may receive work.
type HealthFilter interface {
	Healthy(w registry.Worker) bool
}

// HealthFunc adapts a function to HealthFilter.
type HealthFunc func(w registry.Worker) bool

func (f HealthFunc) Healthy(w registry.Worker) bool { return f(w) }

// Options tune a Dispatcher. Zero values select the defaults; MaxReassign
// zero means failures are never retried on another worker.
type Options struct {
	DispatchIncrement float64
	JobTimeout        time.Duration
	MaxReassign       int
	TaskRetention     time.Duration
}

// Dispatcher turns job submissions into tasks, places them and tracks their
// outcome.
type Dispatcher struct {
	reg    *registry.Registry
	health HealthFilter
	scorer *placement.Scorer
	exec   spi.Executor
	tasks  *tasks.Registry
	opts   Options

	inflight inflight.Counter
	closed   atomic.Bool
	base     context.Context
	abort    context.CancelFunc
	newID    func() string
	log      zerolog.Logger
}

func New(reg *registry.Registry, health HealthFilter, scorer *placement.Scorer, exec spi.Executor, opts Options) *Dispatcher {
	if opts.DispatchIncrement <= 0 {
		opts.DispatchIncrement = DefaultDispatchIncrement
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.TaskRetention <= 0 {
		opts.TaskRetention = DefaultTaskRetention
	}
	if opts.MaxReassign < 0 {
		opts.MaxReassign = 0
	}
	if scorer == nil {
		scorer = placement.NewScorer()
	}
	base, abort := context.WithCancel(context.Background())
	d := &Dispatcher{
		reg:    reg,
		health: health,
		scorer: scorer,
		exec:   exec,
		tasks:  tasks.NewRegistry(),
		opts:   opts,
		base:   base,
		abort:  abort,
		newID:  uuid.NewString,
		log:    logx.Component("dispatch"),
	}
	reg.OnRemove(d.workerRemoved)
	return d
}

// Validate checks the parts of a job the dispatcher relies on.
func Validate(spec JobSpec) error {
	switch {
	case spec.Model == "":
		return fmt.Errorf("%w: model is required", ErrValidation)
	case math.IsNaN(spec.Priority) || math.IsInf(spec.Priority, 0):
		return fmt.Errorf("%w: priority must be a finite number", ErrValidation)
	case spec.Requirements.Threads < 0:
		return fmt.Errorf("%w: threads must not be negative", ErrValidation)
	case spec.Requirements.GPULayers < 0:
		return fmt.Errorf("%w: gpu_layers must not be negative", ErrValidation)
	case spec.Requirements.ContextSize < 0:
		return fmt.Errorf("%w: context_size must not be negative", ErrValidation)
	case spec.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", ErrValidation)
	}
	return nil
}

// Submit validates spec and starts placing it. The returned task is queued;
// its outcome is delivered through the task itself.
func (d *Dispatcher) Submit(spec JobSpec, payload []byte) (*tasks.Task, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}
	t := tasks.New(d.newID(), spec, payload)
	if err := d.tasks.Add(t); err != nil {
		return nil, err
	}
	d.inflight.Inc()
	metrics.TaskStarted()
	d.log.Debug().Str("task_id", t.ID).Str("model", spec.Model).Msg("task queued")
	go d.run(t)
	return t, nil
}

func (d *Dispatcher) run(t *tasks.Task) {
	defer d.inflight.Dec()
	defer d.finished(t)

	tried := make(map[string]bool)
	var lastReason string
	for attempt := 0; attempt <= d.opts.MaxReassign; attempt++ {
		if attempt > 0 && t.CancelRequested() {
			t.Fail(tasks.FailCancelled, reasonCancelled)
			return
		}
		best, ok := d.place(t.Spec, tried)
		if !ok {
			if attempt == 0 {
				t.Fail(tasks.FailNoCapacity, reasonNoCapacity)
			} else {
				t.Fail(tasks.FailTransport, lastReason)
			}
			return
		}
		w := best.Worker
		if attempt == 0 {
			if !t.MarkDispatched(w.ID) {
				return
			}
		} else if !t.Redirect(w.ID) {
			return
		}
		tried[w.ID] = true
		d.log.Debug().Str("task_id", t.ID).Str("worker_id", w.ID).Float64("score", best.Score).Int("attempt", attempt).Msg("task dispatched")

		retry, reason := d.execute(t, w)
		if !retry {
			return
		}
		lastReason = reason
		if attempt < d.opts.MaxReassign {
			d.log.Info().Str("task_id", t.ID).Str("worker_id", w.ID).Str("reason", reason).Msg("reassigning task after transport error")
		}
	}
	t.Fail(tasks.FailTransport, lastReason)
}

// place picks the best online candidate not yet tried. The health filter
// narrows the online set further.
func (d *Dispatcher) place(spec JobSpec, tried map[string]bool) (placement.Ranked, bool) {
	candidates := d.reg.Candidates(spec.Model)
	eligible := candidates[:0]
	for _, w := range candidates {
		if tried[w.ID] || w.Status != registry.StatusOnline {
			continue
		}
		if d.health != nil && !d.health.Healthy(w) {
			continue
		}
		eligible = append(eligible, w)
	}
	return d.scorer.Pick(eligible, spec.Requirements, spec.Priority)
}

// execute runs t on w. It resolves the task unless the failure was a transport
// error and a reassignment is still allowed, in which case retry is true.
func (d *Dispatcher) execute(t *tasks.Task, w registry.Worker) (retry bool, reason string) {
	d.tasks.Assign(t.ID, w.ID)
	defer d.tasks.Release(t.ID, w.ID)
	applied := d.reg.AdjustLoad(w.ID, d.opts.DispatchIncrement)
	defer d.reg.AdjustLoad(w.ID, -applied)

	// the worker may have been removed between placement and assignment
	if _, ok := d.reg.Get(w.ID); !ok {
		t.Fail(tasks.FailWorkerUnavailable, reasonWorkerUnavailable)
		return false, ""
	}

	timeout := t.Spec.Timeout
	if timeout <= 0 {
		timeout = d.opts.JobTimeout
	}
	// limit ends on the job deadline or a drain abort; ctx also ends on Cancel
	limit, stop := context.WithTimeout(d.base, timeout)
	defer stop()
	ctx, cancel := context.WithCancel(limit)
	defer cancel()
	t.SetCancel(cancel)

	start := time.Now()
	done := make(chan execResult, 1)
	go func() {
		out, err := d.exec.Execute(ctx, w.Address, spi.Job{TaskID: t.ID, Model: t.Spec.Model, Payload: t.Payload})
		done <- execResult{out: out, err: err}
	}()
	var out []byte
	var err error
	select {
	case r := <-done:
		out, err = r.out, r.err
	case <-limit.Done():
		// the executor missed the deadline; whatever it returns later is dropped
		metrics.ObserveDispatch(w.ID, t.Spec.Model, time.Since(start))
		kind, reason := classify(limit, limit.Err())
		if t.Fail(kind, reason) {
			d.log.Warn().Str("task_id", t.ID).Str("worker_id", w.ID).Str("kind", string(kind)).Msg("executor did not return in time")
		}
		return false, ""
	}
	metrics.ObserveDispatch(w.ID, t.Spec.Model, time.Since(start))
	if err == nil {
		t.Complete(out)
		return false, ""
	}

	kind, reason := classify(ctx, err)
	if kind == tasks.FailTransport && d.opts.MaxReassign > 0 && !t.Status().Terminal() {
		return true, reason
	}
	if t.Fail(kind, reason) {
		d.log.Warn().Str("task_id", t.ID).Str("worker_id", w.ID).Str("kind", string(kind)).Str("reason", reason).Msg("task failed")
	}
	return false, ""
}

type execResult struct {
	out []byte
	err error
}

func classify(ctx context.Context, err error) (tasks.FailureKind, string) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return tasks.FailTimeout, "execution timed out"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return tasks.FailCancelled, reasonCancelled
	}
	var ee *spi.ExecutionError
	if errors.As(err, &ee) {
		return tasks.FailExecution, ee.Detail
	}
	if errors.Is(err, spi.ErrTransport) {
		return tasks.FailTransport, err.Error()
	}
	return tasks.FailExecution, err.Error()
}

func (d *Dispatcher) finished(t *tasks.Task) {
	res := t.Result()
	outcome := string(res.Status)
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
	}
	metrics.TaskFinished(t.Spec.Model, outcome)
	d.log.Debug().Str("task_id", t.ID).Str("outcome", outcome).Msg("task resolved")
}

// workerRemoved fails every task running on the removed worker.
func (d *Dispatcher) workerRemoved(w registry.Worker) {
	for _, t := range d.tasks.ForWorker(w.ID) {
		if t.Fail(tasks.FailWorkerUnavailable, reasonWorkerUnavailable) {
			d.log.Warn().Str("task_id", t.ID).Str("worker_id", w.ID).Msg("worker removed while task was running")
		}
	}
}

// Get returns the task with the given id.
func (d *Dispatcher) Get(id string) (*tasks.Task, bool) { return d.tasks.Get(id) }

// Status returns the lifecycle state of a task.
func (d *Dispatcher) Status(id string) (tasks.Status, bool) {
	t, ok := d.tasks.Get(id)
	if !ok {
		return "", false
	}
	return t.Status(), true
}

// Cancel cancels a queued task outright. For a dispatched task it asks the
// execution to stop; the task then resolves from the executor's outcome, or
// times out if the executor never returns.
// It returns false for unknown or already resolved tasks.
func (d *Dispatcher) Cancel(id string) bool {
	t, ok := d.tasks.Get(id)
	if !ok {
		return false
	}
	if t.CancelIfQueued() {
		d.log.Info().Str("task_id", id).Msg("queued task cancelled")
		return true
	}
	return t.CancelExecution()
}

// Wait blocks until the task resolves or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (tasks.Result, error) {
	t, ok := d.tasks.Get(id)
	if !ok {
		return tasks.Result{}, ErrNotFound
	}
	return t.Wait(ctx)
}

// List returns a view of every tracked task.
func (d *Dispatcher) List() []tasks.View {
	ts := d.tasks.List()
	out := make([]tasks.View, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.View())
	}
	return out
}

// InFlight is the number of submitted tasks that have not resolved.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

// Prune forgets resolved tasks that finished more than maxAge ago.
func (d *Dispatcher) Prune(maxAge time.Duration) int {
	return d.tasks.PruneFinished(time.Now().Add(-maxAge))
}

// Run prunes resolved tasks periodically until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	every := d.opts.TaskRetention / 2
	if every > time.Minute {
		every = time.Minute
	}
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := d.Prune(d.opts.TaskRetention); n > 0 {
				d.log.Debug().Int("pruned", n).Int("tracked", d.tasks.Len()).Msg("pruned finished tasks")
			}
		}
	}
}

// Close stops accepting new submissions.
func (d *Dispatcher) Close() { d.closed.Store(true) }

// Drain stops intake and waits for in-flight tasks. If ctx ends first the
// remaining executions are cancelled and Drain returns false.
func (d *Dispatcher) Drain(ctx context.Context) bool {
	d.Close()
	if d.inflight.WaitForZero(ctx) {
		return true
	}
	d.abort()
	return false
}
