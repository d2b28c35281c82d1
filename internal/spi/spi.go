// Package spi declares the collaborator contracts the coordinator consumes:
// job execution on a worker and liveness probing.
package spi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrTransport marks an execution attempt that never reached the worker.
// Executors wrap it so callers can tell "not started" from "ran and failed".
var ErrTransport = errors.New("transport error")

// Address locates a worker on the network.
type Address struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// String renders host:port.
func (a Address) String() string { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// Job is the unit handed to an Executor.
type Job struct {
	TaskID  string
	Model   string
	Payload []byte
}

// Executor runs a job on the worker at addr and returns its result payload.
// The context carries the execution deadline and cancellation.
type Executor interface {
	Execute(ctx context.Context, addr Address, job Job) ([]byte, error)
}

// ExecutionError reports a job that the worker accepted but could not complete.
// Detail is passed through to the task failure reason unchanged.
type ExecutionError struct {
	StatusCode int
	Detail     string
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("execution failed (%d): %s", e.StatusCode, e.Detail)
	}
	return "execution failed: " + e.Detail
}

// ProbeResult is the outcome of a single liveness check.
// Load is nil when the worker does not report one.
type ProbeResult struct {
	Alive bool
	Load  *float64
}

// Prober checks whether the worker at addr is alive.
type Prober interface {
	Probe(ctx context.Context, addr Address) (ProbeResult, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, addr Address, job Job) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, addr Address, job Job) ([]byte, error) {
	return f(ctx, addr, job)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr Address) (ProbeResult, error)

func (f ProberFunc) Probe(ctx context.Context, addr Address) (ProbeResult, error) {
	return f(ctx, addr)
}
