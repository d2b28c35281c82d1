// Package tasks tracks the lifecycle of submitted jobs. A Task resolves exactly
// once; later completion or failure signals are dropped.
package tasks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gaspardpetit/edgepool/internal/placement"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// FailureKind classifies why a task failed.
type FailureKind string

const (
	FailNoCapacity        FailureKind = "no_capacity"
	FailTransport         FailureKind = "transport"
	FailExecution         FailureKind = "execution"
	FailTimeout           FailureKind = "timeout"
	FailCancelled         FailureKind = "cancelled"
	FailWorkerUnavailable FailureKind = "worker_unavailable"
)

// Failure is the terminal error of a failed task.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Reason }

// JobSpec is an immutable description of the work to place.
type JobSpec struct {
	Model        string                 `json:"model"`
	Requirements placement.Requirements `json:"requirements"`
	Priority     float64                `json:"priority"`
	// Timeout bounds execution; zero means the dispatcher default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Result is the resolved outcome of a task. Payload is set on success and
// Failure on failure; both are empty while the task is pending.
type Result struct {
	Status  Status
	Payload []byte
	Failure *Failure
}

// Task is one submitted job. All state is guarded by the task's own mutex.
type Task struct {
	ID        string
	Spec      JobSpec
	Payload   []byte
	CreatedAt time.Time

	mu           sync.Mutex
	status       Status
	workerID     string
	attempts     []string
	result       []byte
	failure      *Failure
	dispatchedAt time.Time
	finishedAt   time.Time
	cancelExec   context.CancelFunc
	cancelAsked  bool
	done         chan struct{}
	now          func() time.Time
}

// New returns a queued task.
func New(id string, spec JobSpec, payload []byte) *Task {
	return newTask(id, spec, payload, time.Now)
}

func newTask(id string, spec JobSpec, payload []byte, now func() time.Time) *Task {
	return &Task{
		ID:        id,
		Spec:      spec,
		Payload:   payload,
		CreatedAt: now(),
		status:    StatusQueued,
		done:      make(chan struct{}),
		now:       now,
	}
}

// MarkDispatched moves a queued task to dispatched on workerID.
func (t *Task) MarkDispatched(workerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusQueued {
		return false
	}
	t.status = StatusDispatched
	t.workerID = workerID
	t.attempts = append(t.attempts, workerID)
	t.dispatchedAt = t.now()
	return true
}

// Redirect moves a dispatched task to another worker. It is used when a
// dispatch never reached the first worker and the task is placed again.
func (t *Task) Redirect(workerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusDispatched {
		return false
	}
	t.workerID = workerID
	t.attempts = append(t.attempts, workerID)
	t.dispatchedAt = t.now()
	return true
}

// Complete resolves the task successfully. It returns false if the task was
// already resolved or never dispatched.
func (t *Task) Complete(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusDispatched {
		return false
	}
	t.status = StatusCompleted
	t.result = payload
	t.finish()
	return true
}

// Fail resolves the task with a failure. It returns false if the task was
// already resolved.
func (t *Task) Fail(kind FailureKind, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = StatusFailed
	t.failure = &Failure{Kind: kind, Reason: reason}
	t.finish()
	return true
}

// finish records the end time, releases the execution context and wakes
// waiters. Caller holds t.mu.
func (t *Task) finish() {
	t.finishedAt = t.now()
	if t.cancelExec != nil {
		t.cancelExec()
		t.cancelExec = nil
	}
	close(t.done)
}

// CancelIfQueued fails the task as cancelled, but only while it is still queued.
func (t *Task) CancelIfQueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusQueued {
		return false
	}
	t.status = StatusFailed
	t.failure = &Failure{Kind: FailCancelled, Reason: "cancelled"}
	t.finish()
	return true
}

// SetCancel attaches the cancel function of the running execution. If the task
// is already resolved or a cancel was requested, fn is called immediately.
func (t *Task) SetCancel(fn context.CancelFunc) {
	t.mu.Lock()
	if t.status.Terminal() || t.cancelAsked {
		t.mu.Unlock()
		fn()
		return
	}
	t.cancelExec = fn
	t.mu.Unlock()
}

// CancelExecution asks the running execution, and any later one, to stop.
// It does not resolve the task and returns false once the task is terminal.
func (t *Task) CancelExecution() bool {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.cancelAsked = true
	fn := t.cancelExec
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// CancelRequested reports whether CancelExecution was called.
func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelAsked
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// WorkerID returns the worker the task is dispatched to, if any.
func (t *Task) WorkerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workerID
}

// Result returns the current outcome.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Result{Status: t.status, Payload: t.result}
	if t.failure != nil {
		f := *t.failure
		r.Failure = &f
	}
	return r
}

// View is a serialisable snapshot of a task.
type View struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Priority     float64    `json:"priority"`
	Status       Status     `json:"status"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Attempts     []string   `json:"attempts,omitempty"`
	Result       []byte     `json:"result,omitempty"`
	Failure      *Failure   `json:"failure,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (t *Task) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{
		ID:        t.ID,
		Model:     t.Spec.Model,
		Priority:  t.Spec.Priority,
		Status:    t.status,
		WorkerID:  t.workerID,
		Attempts:  slices.Clone(t.attempts),
		Result:    t.result,
		CreatedAt: t.CreatedAt,
	}
	if t.failure != nil {
		f := *t.failure
		v.Failure = &f
	}
	if !t.dispatchedAt.IsZero() {
		d := t.dispatchedAt
		v.DispatchedAt = &d
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		v.FinishedAt = &f
	}
	return v
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal() && t.finishedAt.Before(cutoff)
}
