package tasks

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicate is returned when a task id is already tracked.
var ErrDuplicate = errors.New("duplicate task id")

// Registry indexes tasks by id and by the worker they are dispatched to.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	byWorker map[string]map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(map[string]*Task),
		byWorker: make(map[string]map[string]*Task),
	}
}

func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrDuplicate
	}
	r.tasks[t.ID] = t
	return nil
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Assign records that the task is running on workerID.
func (r *Registry) Assign(taskID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	set := r.byWorker[workerID]
	if set == nil {
		set = make(map[string]*Task)
		r.byWorker[workerID] = set
	}
	set[taskID] = t
	return true
}

// Release drops the task from workerID's index.
func (r *Registry) Release(taskID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release(taskID, workerID)
}

func (r *Registry) release(taskID, workerID string) {
	set := r.byWorker[workerID]
	delete(set, taskID)
	if len(set) == 0 {
		delete(r.byWorker, workerID)
	}
}

// ForWorker returns the tasks currently assigned to workerID.
func (r *Registry) ForWorker(workerID string) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byWorker[workerID]
	res := make([]*Task, 0, len(set))
	for _, t := range set {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// List returns every tracked task ordered by creation time, then id.
func (r *Registry) List() []*Task {
	r.mu.RLock()
	res := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		res = append(res, t)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// PruneFinished drops terminal tasks that finished before cutoff and returns
// how many were removed.
func (r *Registry) PruneFinished(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tasks {
		if t.finishedBefore(cutoff) {
			delete(r.tasks, id)
			if w := t.WorkerID(); w != "" {
				r.release(id, w)
			}
			n++
		}
	}
	return n
}
