package registry

import (
	"slices"
	"time"

	"github.com/gaspardpetit/edgepool/internal/spi"
)

// Status is the runtime state of a worker as seen by the coordinator.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusMaintenance Status = "maintenance"
	StatusOverloaded  Status = "overloaded"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusMaintenance, StatusOverloaded:
		return true
	}
	return false
}

// Capabilities describes what a worker can run. Memory values are in bytes.
type Capabilities struct {
	CPUCores          int      `json:"cpu_cores" yaml:"cpu_cores"`
	AcceleratorMemory uint64   `json:"accelerator_memory" yaml:"accelerator_memory"`
	TotalMemory       uint64   `json:"total_memory" yaml:"total_memory"`
	Models            []string `json:"models" yaml:"models"`
}

// Supports reports whether model is in the advertised model set.
func (c Capabilities) Supports(model string) bool { return slices.Contains(c.Models, model) }

func (c Capabilities) clone() Capabilities {
	c.Models = slices.Clone(c.Models)
	return c
}

// Worker is a value snapshot of a registered worker node.
type Worker struct {
	ID                  string       `json:"id"`
	Address             spi.Address  `json:"address"`
	Capabilities        Capabilities `json:"capabilities"`
	Status              Status       `json:"status"`
	Load                float64      `json:"load"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	RegisteredAt        time.Time    `json:"registered_at"`
}

func (w *Worker) clone() Worker {
	c := *w
	c.Capabilities = w.Capabilities.clone()
	return c
}

// ProbeOutcome is what the health monitor learned about a worker.
type ProbeOutcome struct {
	Alive bool
	// Load is the worker-reported load factor, nil when not reported.
	Load *float64
	At   time.Time
}

// EventType classifies registry change notifications.
type EventType int

const (
	EventRegistered EventType = iota
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is delivered to change listeners after the registry lock is released.
type Event struct {
	Type   EventType
	Worker Worker
}

// Stats summarises the pool.
type Stats struct {
	TotalWorkers   int      `json:"total_workers"`
	HealthyWorkers int      `json:"healthy_workers"`
	AverageLoad    float64  `json:"average_load"`
	Workers        []Worker `json:"workers"`
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
