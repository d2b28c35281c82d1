// Package store persists worker registrations so a restarted coordinator can
// rebuild its pool before the first probe cycle.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/gaspardpetit/edgepool/internal/registry"
	"github.com/gaspardpetit/edgepool/internal/spi"
)

// Record is the durable part of a worker. Load and heartbeat are runtime
// state and are rebuilt by probing.
type Record struct {
	ID           string                `json:"id"`
	Address      spi.Address           `json:"address"`
	Capabilities registry.Capabilities `json:"capabilities"`
	Maintenance  bool                  `json:"maintenance,omitempty"`
}

// RecordOf extracts the durable fields of w.
func RecordOf(w registry.Worker) Record {
	return Record{
		ID:           w.ID,
		Address:      w.Address,
		Capabilities: registry.Capabilities{CPUCores: w.Capabilities.CPUCores, AcceleratorMemory: w.Capabilities.AcceleratorMemory, TotalMemory: w.Capabilities.TotalMemory, Models: slices.Clone(w.Capabilities.Models)},
		Maintenance:  w.Status == registry.StatusMaintenance,
	}
}

// Equal reports whether two records would persist identically.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID && r.Address == o.Address && r.Maintenance == o.Maintenance &&
		r.Capabilities.CPUCores == o.Capabilities.CPUCores &&
		r.Capabilities.AcceleratorMemory == o.Capabilities.AcceleratorMemory &&
		r.Capabilities.TotalMemory == o.Capabilities.TotalMemory &&
		slices.Equal(r.Capabilities.Models, o.Capabilities.Models)
}

// WorkerStore is a durable map of worker records.
type WorkerStore interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore keeps records in process memory. It is the default when no
// Redis URL is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{recs: make(map[string]Record)} }

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.recs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadAll(context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
